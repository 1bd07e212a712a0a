package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// budget is the unspent part of a stage timeout. Time spent paused is not
// charged.
type budget struct {
	total     time.Duration
	remaining time.Duration
}

func newBudget(d time.Duration) *budget {
	return &budget{total: d, remaining: d}
}

// condition is re-evaluated on entry and after every change event. It runs
// on the worker goroutine and may act on the device.
type condition func(ctx context.Context) (bool, error)

// await suspends until cond holds, the budget runs out, the active item is
// skipped or ctx is done. A nil cond waits for the full budget.
func (o *Orchestrator) await(ctx context.Context, b *budget, cond condition) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		started time.Time
	)
	arm := func() {
		started = time.Now()
		if timer == nil {
			timer = time.NewTimer(b.remaining)
		} else {
			timer.Reset(b.remaining)
		}
		timerC = timer.C
	}
	disarm := func() {
		if timerC == nil {
			return
		}
		timer.Stop()
		timerC = nil
		b.remaining -= time.Since(started)
		if b.remaining < 0 {
			b.remaining = 0
		}
	}
	defer disarm()

	for {
		if skip := o.drainCommands(); skip {
			return errSkipRequested
		}

		if o.isPaused() {
			disarm()
		} else {
			if cond != nil {
				ok, err := cond(ctx)
				if err != nil {
					return err
				}
				if ok {
					return nil
				}
			}
			if b.remaining <= 0 {
				return errBudgetExhausted
			}
			if timerC == nil {
				arm()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-o.changes:
			if !ok {
				o.changes = nil
				continue
			}
			o.changeSeq++

		case <-timerC:
			timerC = nil
			b.remaining = 0

		case cmd := <-o.cmds:
			if o.apply(cmd) {
				return errSkipRequested
			}
		}
	}
}

// drainCommands applies queued control commands without blocking.
func (o *Orchestrator) drainCommands() (skip bool) {
	for {
		select {
		case cmd := <-o.cmds:
			if o.apply(cmd) {
				skip = true
			}
		default:
			return skip
		}
	}
}

// drainChanges counts change events already queued, so that a later
// comparison against changeSeq only sees changes caused by the next action.
func (o *Orchestrator) drainChanges() {
	for o.changes != nil {
		select {
		case _, ok := <-o.changes:
			if !ok {
				o.changes = nil
				return
			}
			o.changeSeq++
		default:
			return
		}
	}
}

func (o *Orchestrator) apply(cmd command) (skip bool) {
	switch cmd.kind {
	case cmdPause:
		o.mu.Lock()
		already := o.paused
		o.paused = true
		state := o.state
		o.mu.Unlock()
		if !already {
			o.logger.Info("Run paused", zap.String("state", string(state)))
			o.publish(Event{Type: EventRunPaused, Package: o.activePackage(), State: state})
		}
	case cmdResume:
		o.mu.Lock()
		was := o.paused
		o.paused = false
		state := o.state
		o.mu.Unlock()
		if was {
			o.logger.Info("Run resumed", zap.String("state", string(state)))
			o.publish(Event{Type: EventRunResumed, Package: o.activePackage(), State: state})
		}
	case cmdSkip:
		if cmd.item != o.itemSeq.Load() {
			o.logger.Debug("Discarding skip for an item that already finished", zap.Uint64("item", cmd.item))
			return false
		}
		o.logger.Info("Skip requested", zap.String("package", o.activePackage()))
		return true
	}
	return false
}
