// Package machine owns the lifecycle of cache-clearing runs: it starts one
// orchestrator at a time, relays operator commands and publishes progress.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/api/websocket"
	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
	"github.com/KevinKickass/OpenCacheCleaner/internal/selection"
	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
	"github.com/KevinKickass/OpenCacheCleaner/internal/streaming"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

var (
	ErrRunActive       = errors.New("a run is already active")
	ErrNoActiveRun     = errors.New("no active run")
	ErrNoPendingPrompt = errors.New("no pending ignore prompt")
	ErrNoDevice        = errors.New("no device available")
)

type activeRun struct {
	id        uuid.UUID
	orch      *orchestrator.Orchestrator
	cfg       types.RunConfig
	total     int
	startedAt time.Time
	cancel    context.CancelFunc
	stopOnce  sync.Once
	recorder  *recorder

	// stopped is closed when the orchestrator returned, finished after
	// the run was persisted.
	stopped  chan struct{}
	finished chan struct{}

	// guarded by Controller.mu
	done, failed, skipped int
	finishedAt            *time.Time
	summary               *orchestrator.Summary
	err                   error
}

type Controller struct {
	logger   *zap.Logger
	registry *scenario.Registry
	device   probe.Device
	matcher  *textmatch.Matcher
	store    storage.Store
	streamer *streaming.EventStreamer
	wsHub    *websocket.Hub

	catalog  *selection.Catalog
	packages PackageSource

	mu      sync.RWMutex
	run     *activeRun
	prompts map[string]chan bool
}

// NewController wires a controller. store, streamer and wsHub are optional.
func NewController(
	logger *zap.Logger,
	registry *scenario.Registry,
	device probe.Device,
	matcher *textmatch.Matcher,
	store storage.Store,
	streamer *streaming.EventStreamer,
	wsHub *websocket.Hub,
) *Controller {
	return &Controller{
		logger:   logger,
		registry: registry,
		device:   device,
		matcher:  matcher,
		store:    store,
		streamer: streamer,
		wsHub:    wsHub,
		prompts:  make(map[string]chan bool),
	}
}

// Start validates the run synchronously and processes it in the background.
// Configuration errors wrap types.ErrInvalidRunConfig and no item is touched.
func (c *Controller) Start(ctx context.Context, items []types.WorkItem, cfg types.RunConfig) (uuid.UUID, error) {
	if c.device == nil {
		return uuid.Nil, ErrNoDevice
	}

	c.mu.Lock()
	if c.run != nil && !isClosed(c.run.stopped) {
		c.mu.Unlock()
		return uuid.Nil, ErrRunActive
	}

	if err := cfg.Validate(); err != nil {
		c.mu.Unlock()
		return uuid.Nil, err
	}
	sc, err := c.registry.Get(cfg.ScenarioID)
	if err != nil {
		c.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: %v", types.ErrInvalidRunConfig, err)
	}

	run := &activeRun{
		id:        uuid.New(),
		cfg:       cfg,
		total:     len(items),
		startedAt: time.Now(),
		stopped:   make(chan struct{}),
		finished:  make(chan struct{}),
	}

	opts := orchestrator.Options{
		Device:  c.device,
		Matcher: c.matcher,
		Sink:    orchestrator.SinkFunc(func(ev orchestrator.Event) { c.publish(run, ev) }),
		Logger:  c.logger,
	}
	if cfg.Filter.ShowDialogToIgnoreApp {
		opts.Confirmer = c
	}
	if c.store != nil {
		opts.Ignored = c.store
	}

	orch, err := orchestrator.New(run.id, items, cfg, sc, opts)
	if err != nil {
		c.mu.Unlock()
		return uuid.Nil, err
	}
	run.orch = orch
	runCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	c.run = run
	c.mu.Unlock()

	if c.store != nil {
		position := make(map[string]int, len(items))
		for i, it := range items {
			position[it.Package] = i
		}
		cfgJSON, _ := json.Marshal(cfg)
		rec := &storage.Run{
			ID:         run.id,
			ScenarioID: sc.ID,
			Locale:     cfg.Locale,
			State:      string(orchestrator.StateIdle),
			Config:     cfgJSON,
			ItemCount:  len(items),
		}
		if err := c.store.CreateRun(ctx, rec); err != nil {
			c.logger.Warn("Failed to persist run, history disabled for this run", zap.Error(err))
		} else {
			run.recorder = newRecorder(c.store, run.id, position, c.logger)
		}
	}

	c.logger.Info("Run accepted",
		zap.String("run_id", run.id.String()),
		zap.String("scenario", sc.ID),
		zap.Int("items", len(items)))

	go c.execute(runCtx, run)
	return run.id, nil
}

func (c *Controller) execute(ctx context.Context, run *activeRun) {
	defer close(run.finished)

	summary, err := run.orch.Run(ctx)
	run.cancel()
	// run-scoped state is cleared before stopped opens the way for the
	// next Start
	c.dropPrompts()
	if catalog := c.Catalog(); catalog != nil {
		catalog.Reset()
	}

	now := time.Now()
	c.mu.Lock()
	run.summary = &summary
	run.err = err
	run.finishedAt = &now
	c.mu.Unlock()
	close(run.stopped)

	if err != nil {
		c.logger.Error("Run ended with error", zap.String("run_id", run.id.String()), zap.Error(err))
	}

	if run.recorder != nil {
		run.recorder.close()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		rec := &storage.Run{
			ID:         run.id,
			State:      string(summary.Final),
			Done:       summary.Count(orchestrator.OutcomeDone),
			Failed:     summary.Count(orchestrator.OutcomeFailed),
			Skipped:    summary.Count(orchestrator.OutcomeSkipped),
			FinishedAt: &now,
		}
		if err := c.store.FinishRun(ctx, rec); err != nil {
			c.logger.Warn("Failed to persist run result", zap.Error(err))
		}
		cancel()
	}

	if c.streamer != nil {
		c.streamer.CloseRun(run.id)
	}
	c.broadcastStatus()
}

// publish is the orchestrator's sink. It runs on the worker goroutine and
// must not block.
func (c *Controller) publish(run *activeRun, ev orchestrator.Event) {
	c.mu.Lock()
	switch ev.Type {
	case orchestrator.EventItemDone:
		run.done++
	case orchestrator.EventItemFailed:
		run.failed++
	case orchestrator.EventItemSkipped:
		run.skipped++
	}
	catalog := c.catalog
	c.mu.Unlock()

	if catalog != nil && ev.Type == orchestrator.EventItemIgnored {
		catalog.MarkIgnored(ev.Package)
	}

	if run.recorder != nil {
		run.recorder.record(ev)
	}
	if c.streamer != nil {
		c.streamer.Broadcast(ev)
	}
	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewRunEventMessage(ev))
	}
}

func (c *Controller) current() (*activeRun, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.run == nil || isClosed(c.run.stopped) {
		return nil, ErrNoActiveRun
	}
	return c.run, nil
}

func (c *Controller) Pause() error {
	run, err := c.current()
	if err != nil {
		return err
	}
	return run.orch.Pause()
}

func (c *Controller) Resume() error {
	run, err := c.current()
	if err != nil {
		return err
	}
	return run.orch.Resume()
}

// SkipCurrent ends the active item as skipped.
func (c *Controller) SkipCurrent() error {
	run, err := c.current()
	if err != nil {
		return err
	}
	return run.orch.Skip()
}

// Stop cancels the active run and waits until it reached Stopped, at most
// one settle window. Calling it again, or without a run, is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.RLock()
	run := c.run
	c.mu.RUnlock()
	if run == nil || isClosed(run.stopped) {
		return nil
	}

	run.stopOnce.Do(func() {
		c.logger.Info("Stopping run", zap.String("run_id", run.id.String()))
		run.cancel()
	})

	timer := time.NewTimer(run.cfg.Settle)
	defer timer.Stop()
	select {
	case <-run.stopped:
		return nil
	case <-timer.C:
		c.logger.Warn("Run did not stop within the settle window",
			zap.String("run_id", run.id.String()),
			zap.Duration("settle", run.cfg.Settle))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current run finished and was persisted.
func (c *Controller) Wait(ctx context.Context) (*orchestrator.Summary, error) {
	c.mu.RLock()
	run := c.run
	c.mu.RUnlock()
	if run == nil {
		return nil, ErrNoActiveRun
	}
	select {
	case <-run.finished:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return run.summary, run.err
}

// ConfirmIgnore implements orchestrator.Confirmer. The prompt stays open
// until AnswerIgnore or the end of the run.
func (c *Controller) ConfirmIgnore(ctx context.Context, item types.WorkItem, kind orchestrator.FailureKind) (bool, error) {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.prompts[item.Package] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.prompts[item.Package] == ch {
			delete(c.prompts, item.Package)
		}
		c.mu.Unlock()
	}()

	c.logger.Info("Waiting for ignore decision",
		zap.String("package", item.Package),
		zap.String("reason", string(kind)))

	select {
	case ignore, ok := <-ch:
		if !ok {
			return false, errors.New("prompt cancelled")
		}
		return ignore, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// AnswerIgnore resolves the pending prompt for pkg.
func (c *Controller) AnswerIgnore(pkg string, ignore bool) error {
	c.mu.Lock()
	ch, ok := c.prompts[pkg]
	if ok {
		delete(c.prompts, pkg)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoPendingPrompt, pkg)
	}
	ch <- ignore
	return nil
}

func (c *Controller) dropPrompts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pkg, ch := range c.prompts {
		close(ch)
		delete(c.prompts, pkg)
	}
}

// ExecuteCommand handles run commands from the REST, WebSocket and MCP
// surfaces.
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command, args map[string]interface{}) error {
	c.logger.Info("Run command received", zap.String("command", string(cmd)))

	switch cmd {
	case CommandPause:
		return c.Pause()
	case CommandResume:
		return c.Resume()
	case CommandStop:
		return c.Stop(ctx)
	case CommandSkip:
		return c.SkipCurrent()
	case CommandIgnore:
		pkg, _ := args["package"].(string)
		if pkg == "" {
			return errors.New("ignore requires a package")
		}
		ignore, ok := args["ignore"].(bool)
		if !ok {
			return errors.New("ignore requires a boolean ignore flag")
		}
		return c.AnswerIgnore(pkg, ignore)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *Controller) GetStatus() RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := RunStatus{State: orchestrator.StateIdle}
	for pkg := range c.prompts {
		status.PendingPrompts = append(status.PendingPrompts, pkg)
	}
	sort.Strings(status.PendingPrompts)

	run := c.run
	if run == nil {
		return status
	}

	started := run.startedAt
	status.RunID = run.id.String()
	status.ScenarioID = run.cfg.ScenarioID
	status.Total = run.total
	status.Done = run.done
	status.Failed = run.failed
	status.Skipped = run.skipped
	status.StartedAt = &started
	status.FinishedAt = run.finishedAt
	status.Running = !isClosed(run.stopped)
	status.State, status.ResumeInto, status.ActivePackage = run.orch.State()
	if status.ResumeInto == status.State {
		status.ResumeInto = ""
	}
	if run.err != nil {
		status.ErrorMessage = run.err.Error()
	}
	return status
}

// CurrentStatus serves the WebSocket hub.
func (c *Controller) CurrentStatus() any {
	return c.GetStatus()
}

// LastSummary returns the summary of the last finished run.
func (c *Controller) LastSummary() *orchestrator.Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.run == nil {
		return nil
	}
	return c.run.summary
}

func (c *Controller) Scenarios() *scenario.Registry {
	return c.registry
}

func (c *Controller) Store() storage.Store {
	return c.store
}

func (c *Controller) broadcastStatus() {
	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewRunStatusMessage(c.GetStatus()))
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
