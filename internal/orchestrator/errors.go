package orchestrator

import (
	"errors"
	"fmt"
)

// FailureKind classifies why an item did not complete.
type FailureKind string

const (
	FailureTargetUnreachable FailureKind = "target_unreachable"
	FailureControlNotFound   FailureKind = "control_not_found"
	FailureClickRejected     FailureKind = "click_rejected"
	FailureUnexpectedDialog  FailureKind = "unexpected_dialog"
)

// Recoverable failures are subject to the ignore policy.
func (k FailureKind) Recoverable() bool {
	return k == FailureTargetUnreachable || k == FailureControlNotFound
}

// ItemError ends the active item; the run continues.
type ItemError struct {
	Kind  FailureKind
	Stage string
	Err   error
}

func (e *ItemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at stage %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s at stage %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// ErrCommandDropped is returned by Pause, Resume and Skip when the worker
// did not take the command in time.
var ErrCommandDropped = errors.New("control command dropped")

var (
	errBudgetExhausted = errors.New("timeout budget exhausted")
	errSkipRequested   = errors.New("skip requested")
	errClickRejected   = errors.New("click rejected")
)
