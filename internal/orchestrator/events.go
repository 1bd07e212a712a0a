package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

type EventType string

const (
	EventRunStarted      EventType = "run.started"
	EventRunPaused       EventType = "run.paused"
	EventRunResumed      EventType = "run.resumed"
	EventRunStopped      EventType = "run.stopped"
	EventRunCompleted    EventType = "run.completed"
	EventItemStarted     EventType = "item.started"
	EventStateChanged    EventType = "item.state"
	EventItemDone        EventType = "item.done"
	EventItemFailed      EventType = "item.failed"
	EventItemSkipped     EventType = "item.skipped"
	EventIgnoreRequested EventType = "item.ignore_requested"
	EventItemIgnored     EventType = "item.ignored"
	EventPostAction      EventType = "item.post_action"
)

type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"type"`
	RunID     uuid.UUID `json:"run_id"`
	Package   string    `json:"package,omitempty"`
	State     State     `json:"state,omitempty"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type OutcomeStatus string

const (
	OutcomeDone    OutcomeStatus = "done"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

type Outcome struct {
	Package  string        `json:"package"`
	Status   OutcomeStatus `json:"status"`
	Reason   FailureKind   `json:"reason,omitempty"`
	Stage    string        `json:"stage,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	Ignored  bool          `json:"ignored,omitempty"`
}

// String renders done, skipped or failed:<reason>.
func (o Outcome) String() string {
	if o.Status == OutcomeFailed {
		return string(o.Status) + ":" + string(o.Reason)
	}
	return string(o.Status)
}

// Sink receives every event of a run on the worker goroutine. It must not
// block.
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Confirmer asks an operator whether a failing item should be ignored
// permanently. It may block until answered or ctx is done.
type Confirmer interface {
	ConfirmIgnore(ctx context.Context, item types.WorkItem, kind FailureKind) (bool, error)
}

// IgnoreStore persists permanently ignored packages.
type IgnoreStore interface {
	AddIgnoredApp(ctx context.Context, pkg string) error
}

type Summary struct {
	RunID      uuid.UUID        `json:"run_id"`
	Final      State            `json:"final"`
	Outcomes   []Outcome        `json:"outcomes"`
	Items      []types.WorkItem `json:"items"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

func (s Summary) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
