package machine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
)

const recordTimeout = 5 * time.Second

// recorder writes the events of one run to the store off the worker
// goroutine, which must never wait on the database.
type recorder struct {
	store    storage.Store
	runID    uuid.UUID
	position map[string]int
	events   chan orchestrator.Event
	done     chan struct{}
	logger   *zap.Logger
}

func newRecorder(store storage.Store, runID uuid.UUID, position map[string]int, logger *zap.Logger) *recorder {
	r := &recorder{
		store:    store,
		runID:    runID,
		position: position,
		events:   make(chan orchestrator.Event, 512),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go r.loop()
	return r
}

func (r *recorder) record(ev orchestrator.Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("Run history buffer full, event not persisted", zap.String("type", string(ev.Type)))
	}
}

// close flushes the pending events.
func (r *recorder) close() {
	close(r.events)
	<-r.done
}

func (r *recorder) loop() {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		r.write(ctx, ev)
		cancel()
	}
}

func (r *recorder) write(ctx context.Context, ev orchestrator.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("Failed to marshal run event", zap.Error(err))
		return
	}
	if err := r.store.AppendRunEvent(ctx, &storage.RunEvent{
		ID:        ev.ID,
		RunID:     r.runID,
		Type:      string(ev.Type),
		Package:   ev.Package,
		Payload:   payload,
		CreatedAt: ev.Timestamp,
	}); err != nil {
		r.logger.Warn("Failed to persist run event", zap.Error(err))
	}

	var item *storage.RunItem
	switch {
	case ev.Outcome != nil:
		o := ev.Outcome
		item = &storage.RunItem{
			RunID:      r.runID,
			Position:   r.position[o.Package],
			Package:    o.Package,
			Status:     string(o.Status),
			Reason:     string(o.Reason),
			Stage:      o.Stage,
			Message:    o.Message,
			DurationMS: o.Duration.Milliseconds(),
			Ignored:    o.Ignored,
		}
	case ev.Type == orchestrator.EventItemIgnored:
		// the ignore decision follows the failure event
		items, err := r.store.ListRunItems(ctx, r.runID)
		if err != nil {
			return
		}
		for _, it := range items {
			if it.Package == ev.Package {
				it.Ignored = true
				item = it
				break
			}
		}
	}
	if item == nil {
		return
	}
	if err := r.store.SaveRunItem(ctx, item); err != nil {
		r.logger.Warn("Failed to persist run item", zap.String("package", item.Package), zap.Error(err))
	}
}
