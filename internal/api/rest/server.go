package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/api/websocket"
	"github.com/KevinKickass/OpenCacheCleaner/internal/auth"
	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
	"github.com/KevinKickass/OpenCacheCleaner/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	cfg         *config.Config
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		cfg:         cfg,
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout, the SSE stream stays open for the whole run
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		v1.POST("/auth/login", LoginRateLimit(loginRate, loginBurst), s.login)
		authProtected := v1.Group("/auth")
		authProtected.Use(s.authService.AuthMiddleware())
		{
			authProtected.GET("/me", s.getCurrentUser)
		}

		// ==================== RUN CONTROL ====================
		run := v1.Group("/run")
		run.Use(s.authService.AuthMiddleware())
		{
			run.GET("/status", auth.RequirePermission(auth.PermView), s.getRunStatus)
			run.GET("/events", auth.RequirePermission(auth.PermView), s.streamRunEvents)

			run.POST("/start", auth.RequirePermission(auth.PermOperate), s.startRun)
			run.POST("/start-selected", auth.RequirePermission(auth.PermOperate), s.startSelectedRun)
			run.POST("/pause", auth.RequirePermission(auth.PermOperate), s.runCommand(machineCommandPause))
			run.POST("/resume", auth.RequirePermission(auth.PermOperate), s.runCommand(machineCommandResume))
			run.POST("/stop", auth.RequirePermission(auth.PermOperate), s.runCommand(machineCommandStop))
			run.POST("/skip", auth.RequirePermission(auth.PermOperate), s.runCommand(machineCommandSkip))
			run.POST("/command", auth.RequirePermission(auth.PermOperate), s.executeRunCommand)
			run.POST("/ignore", auth.RequirePermission(auth.PermOperate), s.answerIgnore)
		}

		// ==================== RUN HISTORY ====================
		runs := v1.Group("/runs")
		runs.Use(s.authService.AuthMiddleware())
		runs.Use(auth.RequirePermission(auth.PermView))
		{
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
			runs.GET("/:id/items", s.getRunItems)
			runs.GET("/:id/events", s.getRunEvents)
			runs.GET("/:id/stream", s.streamRunEvents)
		}

		// ==================== SCENARIOS ====================
		scenarios := v1.Group("/scenarios")
		scenarios.Use(s.authService.AuthMiddleware())
		{
			scenarios.GET("", auth.RequirePermission(auth.PermView), s.listScenarios)
			scenarios.GET("/:id", auth.RequirePermission(auth.PermView), s.getScenario)
			scenarios.POST("/validate", auth.RequirePermission(auth.PermView), s.validateScenario)
			scenarios.POST("/reload", auth.RequirePermission(auth.PermAdmin), s.reloadScenarios)
		}

		// ==================== CATALOG ====================
		catalog := v1.Group("/catalog")
		catalog.Use(s.authService.AuthMiddleware())
		{
			catalog.GET("", auth.RequirePermission(auth.PermView), s.listCatalog)
			catalog.POST("/refresh", auth.RequirePermission(auth.PermOperate), s.refreshCatalog)
			catalog.POST("/check", auth.RequirePermission(auth.PermOperate), s.checkCatalog)
		}

		// ==================== IGNORED APPS ====================
		ignored := v1.Group("/ignored")
		ignored.Use(s.authService.AuthMiddleware())
		{
			ignored.GET("", auth.RequirePermission(auth.PermView), s.listIgnored)
			ignored.POST("", auth.RequirePermission(auth.PermOperate), s.addIgnored)
			ignored.DELETE("/:package", auth.RequirePermission(auth.PermOperate), s.removeIgnored)
		}

		// ==================== PACKAGE LISTS ====================
		lists := v1.Group("/package-lists")
		lists.Use(s.authService.AuthMiddleware())
		{
			lists.GET("", auth.RequirePermission(auth.PermView), s.listPackageLists)
			lists.GET("/:name", auth.RequirePermission(auth.PermView), s.getPackageList)
			lists.PUT("/:name", auth.RequirePermission(auth.PermOperate), s.savePackageList)
			lists.DELETE("/:name", auth.RequirePermission(auth.PermOperate), s.deletePackageList)
			lists.POST("/:name/apply", auth.RequirePermission(auth.PermOperate), s.applyPackageList)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermView), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermView), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
