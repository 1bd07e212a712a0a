package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
	"github.com/KevinKickass/OpenCacheCleaner/internal/machine"
	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

const (
	machineCommandPause  = machine.CommandPause
	machineCommandResume = machine.CommandResume
	machineCommandStop   = machine.CommandStop
	machineCommandSkip   = machine.CommandSkip
)

// StartRunRequest overrides the configured run settings. Timeouts are whole
// seconds; omitted fields keep the configured values.
type StartRunRequest struct {
	Packages []string         `json:"packages"`
	Items    []types.WorkItem `json:"items"`

	Scenario                       string `json:"scenario"`
	Locale                         string `json:"locale"`
	DelayForNextAppTimeout         *int   `json:"delay_for_next_app_timeout"`
	MaxWaitAppTimeout              *int   `json:"max_wait_app_timeout"`
	MaxWaitClearCacheButtonTimeout *int   `json:"max_wait_clear_cache_button_timeout"`
	AfterClearingCacheStopService  *bool  `json:"after_clearing_cache_stop_service"`
	AfterClearingCacheCloseApp     *bool  `json:"after_clearing_cache_close_app"`
	ShowDialogToIgnoreApp          *bool  `json:"show_dialog_to_ignore_app"`
	HideIgnoredApps                *bool  `json:"hide_ignored_apps"`
	HideDisabledApps               *bool  `json:"hide_disabled_apps"`
	MinCacheSize                   *int64 `json:"min_cache_size"`
}

func (r *StartRunRequest) apply(base config.CacheCleanConfig) types.RunConfig {
	cc := base
	if r.Scenario != "" {
		cc.Scenario = r.Scenario
	}
	if r.Locale != "" {
		cc.Locale = r.Locale
	}
	if r.DelayForNextAppTimeout != nil {
		cc.DelayForNextAppTimeout = *r.DelayForNextAppTimeout
	}
	if r.MaxWaitAppTimeout != nil {
		cc.MaxWaitAppTimeout = *r.MaxWaitAppTimeout
	}
	if r.MaxWaitClearCacheButtonTimeout != nil {
		cc.MaxWaitClearCacheButtonTimeout = *r.MaxWaitClearCacheButtonTimeout
	}
	if r.AfterClearingCacheStopService != nil {
		cc.AfterClearingCacheStopService = *r.AfterClearingCacheStopService
	}
	if r.AfterClearingCacheCloseApp != nil {
		cc.AfterClearingCacheCloseApp = *r.AfterClearingCacheCloseApp
	}
	if r.ShowDialogToIgnoreApp != nil {
		cc.Filter.ShowDialogToIgnoreApp = *r.ShowDialogToIgnoreApp
	}
	if r.HideIgnoredApps != nil {
		cc.Filter.HideIgnoredApps = *r.HideIgnoredApps
	}
	if r.HideDisabledApps != nil {
		cc.Filter.HideDisabledApps = *r.HideDisabledApps
	}
	if r.MinCacheSize != nil {
		cc.Filter.MinCacheSize = *r.MinCacheSize
	}
	return cc.RunConfig()
}

func (r *StartRunRequest) workItems() []types.WorkItem {
	items := make([]types.WorkItem, 0, len(r.Items)+len(r.Packages))
	items = append(items, r.Items...)
	for _, pkg := range r.Packages {
		items = append(items, types.WorkItem{Package: pkg, Checked: true})
	}
	return items
}

// GET /api/v1/run/status
func (s *Server) getRunStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.RunController().GetStatus())
}

// POST /api/v1/run/start
func (s *Server) startRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid request body", err.Error()))
		return
	}
	items := req.workItems()
	if len(items) == 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "No packages given", nil))
		return
	}

	cfg := req.apply(s.cfg.CacheClean)
	id, err := s.lm.RunController().Start(c.Request.Context(), items, cfg)
	if err != nil {
		s.writeStartError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Run started",
		"run_id":  id,
		"items":   len(items),
	})
}

// POST /api/v1/run/start-selected
func (s *Server) startSelectedRun(c *gin.Context) {
	var req StartRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid request body", err.Error()))
			return
		}
	}

	cfg := req.apply(s.cfg.CacheClean)
	id, err := s.lm.RunController().StartSelected(c.Request.Context(), cfg)
	if err != nil {
		s.writeStartError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Run started",
		"run_id":  id,
	})
}

func (s *Server) writeStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, machine.ErrRunActive):
		c.JSON(http.StatusConflict, types.NewErrorResponse("RUN_409", "A run is already active", nil))
	case errors.Is(err, types.ErrInvalidRunConfig):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid run configuration", err.Error()))
	case errors.Is(err, machine.ErrNoDevice):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("RUN_503", "No device available", nil))
	default:
		s.logger.Error("Failed to start run", zap.Error(err))
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Failed to start run", err.Error()))
	}
}

func (s *Server) runCommand(cmd machine.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.dispatchCommand(c, cmd, nil)
	}
}

// POST /api/v1/run/command
func (s *Server) executeRunCommand(c *gin.Context) {
	var req struct {
		Command string                 `json:"command" binding:"required"`
		Args    map[string]interface{} `json:"args"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid request body", err.Error()))
		return
	}
	s.dispatchCommand(c, machine.Command(req.Command), req.Args)
}

// POST /api/v1/run/ignore
func (s *Server) answerIgnore(c *gin.Context) {
	var req struct {
		Package string `json:"package" binding:"required"`
		Ignore  *bool  `json:"ignore" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid request body", err.Error()))
		return
	}
	s.dispatchCommand(c, machine.CommandIgnore, map[string]interface{}{
		"package": req.Package,
		"ignore":  *req.Ignore,
	})
}

func (s *Server) dispatchCommand(c *gin.Context, cmd machine.Command, args map[string]interface{}) {
	ctx := context.WithoutCancel(c.Request.Context())
	err := s.lm.RunController().ExecuteCommand(ctx, cmd, args)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Command accepted",
			"command": cmd,
		})
	case errors.Is(err, machine.ErrNoActiveRun), errors.Is(err, machine.ErrNoPendingPrompt):
		c.JSON(http.StatusConflict, types.NewErrorResponse("RUN_409", "Command not applicable", err.Error()))
	case errors.Is(err, orchestrator.ErrCommandDropped):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("RUN_503", "Run is not taking commands", err.Error()))
	default:
		s.logger.Error("Run command failed",
			zap.String("command", string(cmd)),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Command execution failed", err.Error()))
	}
}
