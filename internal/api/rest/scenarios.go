package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/api/websocket"
	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

const maxScenarioSize = 1 << 20

type scenarioSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
	Stages      int    `json:"stages"`
	Source      string `json:"source,omitempty"`
}

// GET /api/v1/scenarios
func (s *Server) listScenarios(c *gin.Context) {
	list := s.lm.Scenarios().List()
	out := make([]scenarioSummary, 0, len(list))
	for _, sc := range list {
		out = append(out, scenarioSummary{
			ID:          sc.ID,
			Name:        sc.Name,
			Description: sc.Description,
			Version:     sc.Version,
			Stages:      len(sc.Stages),
			Source:      sc.Source,
		})
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": out})
}

// GET /api/v1/scenarios/:id
func (s *Server) getScenario(c *gin.Context) {
	sc, err := s.lm.Scenarios().Get(c.Param("id"))
	if errors.Is(err, scenario.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("SCENARIO_404", "Scenario not found", nil))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SCENARIO_500", "Failed to load scenario", err.Error()))
		return
	}
	c.JSON(http.StatusOK, sc)
}

// POST /api/v1/scenarios/validate
// Body is a scenario document in YAML or JSON. Always answers 200 with a
// report unless the body cannot be read.
func (s *Server) validateScenario(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxScenarioSize))
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SCENARIO_400", "Empty or unreadable body", nil))
		return
	}

	_, err = s.lm.Scenarios().Parse(data)
	if err == nil {
		c.JSON(http.StatusOK, scenario.Report{Valid: true, Errors: []scenario.Issue{}, Warnings: []scenario.Issue{}})
		return
	}

	var rep scenario.Report
	if errors.As(err, &rep) {
		c.JSON(http.StatusOK, rep)
		return
	}
	c.JSON(http.StatusOK, scenario.Report{
		Valid: false,
		Errors: []scenario.Issue{{
			Code:     "SCHEMA",
			Severity: scenario.SevError,
			Message:  err.Error(),
		}},
		Warnings: []scenario.Issue{},
	})
}

// POST /api/v1/scenarios/reload
func (s *Server) reloadScenarios(c *gin.Context) {
	registry := s.lm.Scenarios()
	if err := registry.Reload(); err != nil {
		s.logger.Error("Scenario reload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SCENARIO_500", "Reload failed", err.Error()))
		return
	}

	ids := make([]string, 0)
	for _, sc := range registry.List() {
		ids = append(ids, sc.ID)
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(websocket.NewScenariosMessage(ids))
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": ids})
}
