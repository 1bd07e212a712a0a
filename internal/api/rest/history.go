package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
	"github.com/KevinKickass/OpenCacheCleaner/internal/streaming"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

const streamHeartbeat = 15 * time.Second

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

func parseRunID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid run id", err.Error()))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) store(c *gin.Context) (storage.Store, bool) {
	store := s.lm.Storage()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("STORE_503", "No database configured", nil))
		return nil, false
	}
	return store, true
}

// GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	runs, err := store.ListRuns(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to list runs", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	store, ok := s.store(c)
	if !ok {
		return
	}
	run, err := store.GetRun(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("RUN_404", "Run not found", nil))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to load run", err.Error()))
		return
	}
	c.JSON(http.StatusOK, run)
}

// GET /api/v1/runs/:id/items
func (s *Server) getRunItems(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	store, ok := s.store(c)
	if !ok {
		return
	}
	items, err := store.ListRunItems(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to load run items", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GET /api/v1/runs/:id/events
func (s *Server) getRunEvents(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	store, ok := s.store(c)
	if !ok {
		return
	}
	events, err := store.ListRunEvents(c.Request.Context(), id, queryLimit(c, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to load run events", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// streamRunEvents serves run events as server-sent events. Without a run id
// every run is streamed; with one the stream ends when that run finishes.
func (s *Server) streamRunEvents(c *gin.Context) {
	runID := streaming.AllRuns
	if c.Param("id") != "" {
		id, ok := parseRunID(c)
		if !ok {
			return
		}
		runID = id
	}

	streamer := s.lm.EventStreamer()
	events := streamer.Subscribe(runID)
	defer streamer.Unsubscribe(runID, events)

	s.logger.Debug("Event stream opened", zap.String("run_id", runID.String()))

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				c.SSEvent("end", gin.H{"run_id": runID})
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
