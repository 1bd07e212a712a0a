// Package streaming fans run events out to live subscribers (SSE, MCP).
package streaming

import (
	"sync"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
)

// AllRuns subscribes to the events of every run.
var AllRuns = uuid.Nil

type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID][]chan orchestrator.Event
	dropped     uint64
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[uuid.UUID][]chan orchestrator.Event),
	}
}

func (s *EventStreamer) Subscribe(runID uuid.UUID) <-chan orchestrator.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan orchestrator.Event, 100)
	s.subscribers[runID] = append(s.subscribers[runID], ch)
	return ch
}

func (s *EventStreamer) Unsubscribe(runID uuid.UUID, ch <-chan orchestrator.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[runID]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(s.subscribers[runID]) == 0 {
		delete(s.subscribers, runID)
	}
}

// Broadcast never blocks; slow subscribers lose events.
func (s *EventStreamer) Broadcast(event orchestrator.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	send := func(ch chan orchestrator.Event) {
		select {
		case ch <- event:
		default:
			s.dropped++
		}
	}
	for _, ch := range s.subscribers[event.RunID] {
		send(ch)
	}
	if event.RunID != AllRuns {
		for _, ch := range s.subscribers[AllRuns] {
			send(ch)
		}
	}
}

// CloseRun closes the subscriptions of a finished run.
func (s *EventStreamer) CloseRun(runID uuid.UUID) {
	if runID == AllRuns {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers[runID] {
		close(ch)
	}
	delete(s.subscribers, runID)
}

func (s *EventStreamer) SubscriberCount(runID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[runID])
}

func (s *EventStreamer) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
