// Package system wires configuration, storage, the device and the API
// surfaces into one process.
package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenCacheCleaner/internal/adb"
	mcpapi "github.com/KevinKickass/OpenCacheCleaner/internal/api/mcp"
	"github.com/KevinKickass/OpenCacheCleaner/internal/api/rest"
	"github.com/KevinKickass/OpenCacheCleaner/internal/api/websocket"
	"github.com/KevinKickass/OpenCacheCleaner/internal/auth"
	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
	"github.com/KevinKickass/OpenCacheCleaner/internal/interfaces"
	"github.com/KevinKickass/OpenCacheCleaner/internal/machine"
	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
	"github.com/KevinKickass/OpenCacheCleaner/internal/selection"
	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
	"github.com/KevinKickass/OpenCacheCleaner/internal/streaming"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
)

// Version is set at build time.
var Version = "dev"

const healthService = "cachecleaner.RunController"

type LifecycleManager struct {
	config        *config.Config
	storage       storage.Store
	registry      *scenario.Registry
	watcher       *scenario.Watcher
	adbClient     *adb.Client
	device        *adb.Device
	eventStreamer *streaming.EventStreamer
	wsHub         *websocket.Hub
	authService   *auth.AuthService
	controller    *machine.Controller
	logger        *zap.Logger

	restServer   *rest.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	mcpServer    *mcpapi.MCPServer

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds every component but starts nothing. The store
// is owned by the manager and closed on Shutdown.
func NewLifecycleManager(store storage.Store, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	registry, err := scenario.NewRegistry(cfg.Scenarios.SearchPaths, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenarios: %w", err)
	}

	matcher, err := NewMatcher(cfg)
	if err != nil {
		return nil, err
	}

	client := adb.NewClient(cfg.Device, logger)
	device := adb.NewDevice(client, cfg.Device, logger)

	eventStreamer := streaming.NewEventStreamer()

	var events auth.EventLogger
	if store != nil {
		events = store
	}
	authService := auth.NewAuthService(cfg.Auth, events, logger)
	wsHub := websocket.NewHub(logger, authService)

	controller := machine.NewController(logger, registry, device, matcher, store, eventStreamer, wsHub)
	controller.SetCatalog(selection.NewCatalog(), client)

	wsHub.SetStatusProvider(controller)
	wsHub.SetCommandHandler(func(ctx context.Context, command string, args map[string]interface{}) error {
		return controller.ExecuteCommand(ctx, machine.Command(command), args)
	})

	lm := &LifecycleManager{
		config:        cfg,
		storage:       store,
		registry:      registry,
		adbClient:     client,
		device:        device,
		eventStreamer: eventStreamer,
		wsHub:         wsHub,
		authService:   authService,
		controller:    controller,
		logger:        logger,
		currentState:  StateInitializing,
		shutdownChan:  make(chan struct{}),
	}

	if cfg.Scenarios.Watch {
		lm.watcher = scenario.NewWatcher(registry, logger)
		lm.watcher.OnReload = lm.broadcastScenarios
	}
	return lm, nil
}

// NewMatcher merges the configured label overrides over the built-in table.
func NewMatcher(cfg *config.Config) (*textmatch.Matcher, error) {
	defaults, err := textmatch.DefaultTable()
	if err != nil {
		return nil, fmt.Errorf("failed to load label table: %w", err)
	}
	overrides, err := textmatch.ParseTable(cfg.SearchTextTable())
	if err != nil {
		return nil, fmt.Errorf("invalid search_text override: %w", err)
	}
	return textmatch.NewMatcher(defaults, overrides, language.English), nil
}

// Start starts the device poller, the scenario watcher and all servers.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenCacheCleaner", zap.String("version", Version))

	if err := lm.device.Start(); err != nil {
		lm.logger.Warn("Device poller not started", zap.Error(err))
	}

	if lm.watcher != nil {
		if err := lm.watcher.Start(); err != nil {
			lm.logger.Warn("Scenario watcher not started", zap.Error(err))
		}
	}

	go lm.wsHub.Run()

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)
	lm.healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	if !lm.config.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret is the development default or shorter than 32 characters")
	}

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("device", lm.adbClient.Serial()),
		zap.Int("scenarios", len(lm.registry.List())))

	return nil
}

// StartHeadless starts only the device poller. Used by the one-shot CLI
// commands that drive a run without any server.
func (lm *LifecycleManager) StartHeadless() error {
	if err := lm.device.Start(); err != nil {
		lm.setError(fmt.Errorf("failed to start device poller: %w", err))
		return err
	}
	lm.setState(StateRunning)
	return nil
}

// ServeMCP serves the MCP tools on the given streams until ctx is done.
func (lm *LifecycleManager) ServeMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	if lm.mcpServer == nil {
		name := lm.config.MCP.Name
		if name == "" {
			name = "cachecleaner"
		}
		lm.mcpServer = mcpapi.NewMCPServer(name, Version, lm, lm.logger)
	}
	return lm.mcpServer.Serve(ctx, in, out)
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	if lm.healthServer != nil {
		lm.healthServer.Shutdown()
	}

	// 1. Stop the active run first, it still needs the device
	if err := lm.controller.Stop(ctx); err != nil {
		lm.logger.Warn("Run did not stop cleanly", zap.Error(err))
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := lm.controller.Wait(waitCtx); err != nil && !errors.Is(err, machine.ErrNoActiveRun) {
		lm.logger.Warn("Run history may be incomplete", zap.Error(err))
	}
	cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 3. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		err = fmt.Errorf("shutdown timeout exceeded")
	case err = <-errChan:
	}

	// 4. Hintergrund-Komponenten
	lm.wsHub.Stop()
	if lm.watcher != nil {
		lm.watcher.Stop()
	}
	lm.device.Stop()
	if lm.storage != nil {
		lm.storage.Close()
	}
	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.healthServer = health.NewServer()
	lm.healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) broadcastScenarios() {
	ids := make([]string, 0)
	for _, sc := range lm.registry.List() {
		ids = append(ids, sc.ID)
	}
	lm.wsHub.Broadcast(websocket.NewScenariosMessage(ids))
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	return interfaces.SystemStatus{
		State:           state.String(),
		RunState:        string(lm.controller.GetStatus().State),
		DeviceSerial:    lm.adbClient.Serial(),
		DeviceConnected: lm.device.Generation() > 0,
		ScenarioCount:   len(lm.registry.List()),
		LiveClients:     lm.wsHub.GetClientCount(),
	}
}

// RunController returns the run controller
func (lm *LifecycleManager) RunController() *machine.Controller {
	return lm.controller
}

// Storage returns the store, nil when no database is configured
func (lm *LifecycleManager) Storage() storage.Store {
	return lm.storage
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Scenarios() *scenario.Registry {
	return lm.registry
}

func (lm *LifecycleManager) EventStreamer() *streaming.EventStreamer {
	return lm.eventStreamer
}

// ADB returns the adb client, used by the CLI for one-shot queries.
func (lm *LifecycleManager) ADB() *adb.Client {
	return lm.adbClient
}
