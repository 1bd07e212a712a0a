// Package orchestrator drives one cache-clearing run: it walks the work
// items in order and, for each, follows the scenario stages on the device
// until the item is done, failed or skipped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

var ErrAlreadyStarted = errors.New("run already started")

// sendTimeout bounds how long a control call waits for room in the queue.
const sendTimeout = 250 * time.Millisecond

type Options struct {
	Device  probe.Device
	Matcher *textmatch.Matcher
	Sink    Sink
	// Confirmer is asked before an item is ignored permanently. Without
	// one, failing items are only ignored for the current run.
	Confirmer Confirmer
	Ignored   IgnoreStore
	Logger    *zap.Logger
}

type Orchestrator struct {
	runID     uuid.UUID
	cfg       types.RunConfig
	scenario  *scenario.Scenario
	items     []types.WorkItem
	device    probe.Device
	matcher   *textmatch.Matcher
	sink      Sink
	confirmer Confirmer
	ignored   IgnoreStore
	logger    *zap.Logger

	cmds    chan command
	started atomic.Bool
	// itemSeq numbers the items as they become active
	itemSeq atomic.Uint64

	// owned by the worker goroutine
	changes   <-chan probe.ChangeEvent
	changeSeq uint64
	// foreground is the package shown once app info of the active item
	// was confirmed
	foreground string

	mu     sync.RWMutex
	state  State
	paused bool
	active string
}

// New validates the run inputs. Nothing is sent to the device until Run.
func New(runID uuid.UUID, items []types.WorkItem, cfg types.RunConfig, sc *scenario.Scenario, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := types.ValidateItems(items); err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, fmt.Errorf("%w: no scenario", types.ErrInvalidRunConfig)
	}
	if rep := scenario.Validate(sc); !rep.Valid {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRunConfig, rep)
	}
	if opts.Device == nil || opts.Matcher == nil {
		return nil, errors.New("orchestrator requires a device and a text matcher")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}

	owned := make([]types.WorkItem, len(items))
	copy(owned, items)

	return &Orchestrator{
		runID:     runID,
		cfg:       cfg,
		scenario:  sc,
		items:     owned,
		device:    opts.Device,
		matcher:   opts.Matcher,
		sink:      sink,
		confirmer: opts.Confirmer,
		ignored:   opts.Ignored,
		logger:    logger.With(zap.String("run_id", runID.String())),
		cmds:      make(chan command, 32),
		state:     StateIdle,
	}, nil
}

func (o *Orchestrator) RunID() uuid.UUID { return o.runID }

// Pause freezes the active wait. Safe to call from any goroutine.
func (o *Orchestrator) Pause() error { return o.send(cmdPause) }

func (o *Orchestrator) Resume() error { return o.send(cmdResume) }

// Skip ends the item that is active at the time of the call as skipped. It
// has no effect once that item finished.
func (o *Orchestrator) Skip() error { return o.send(cmdSkip) }

func (o *Orchestrator) send(kind commandKind) error {
	cmd := command{kind: kind, item: o.itemSeq.Load()}
	select {
	case o.cmds <- cmd:
		return nil
	default:
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case o.cmds <- cmd:
		return nil
	case <-timer.C:
		o.logger.Warn("Command queue full, dropping command", zap.Stringer("command", kind))
		return fmt.Errorf("%s: %w", kind, ErrCommandDropped)
	}
}

// State returns the current state; when paused, the state the run will
// resume into is returned alongside StatePaused.
func (o *Orchestrator) State() (current State, resumeInto State, active string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.paused && !o.state.Terminal() {
		return StatePaused, o.state, o.active
	}
	return o.state, o.state, o.active
}

// Run processes the items in order and blocks until the run completes or
// ctx is cancelled. It may be called once.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if !o.started.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyStarted
	}

	sum := Summary{RunID: o.runID, StartedAt: time.Now()}

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	o.changes = o.device.SubscribeChanges(subCtx)

	o.logger.Info("Run started",
		zap.Int("items", len(o.items)),
		zap.String("scenario", o.scenario.ID))
	o.publish(Event{Type: EventRunStarted, Message: fmt.Sprintf("%d items, scenario %s", len(o.items), o.scenario.ID)})

	anyDone := false
	stopped := false
	for i := range o.items {
		if ctx.Err() != nil {
			stopped = true
			break
		}
		item := &o.items[i]
		if item.Ignore {
			continue
		}

		outcome, err := o.processItem(ctx, item)
		if err != nil {
			stopped = true
			break
		}
		sum.Outcomes = append(sum.Outcomes, outcome)
		if outcome.Status == OutcomeDone {
			anyDone = true
		}
	}

	if stopped {
		active := o.activePackage()
		o.setState(StateStopped)
		o.logger.Info("Run stopped", zap.String("active", active))
		o.publish(Event{Type: EventRunStopped, Package: active, State: StateStopped})
	} else {
		if o.cfg.AfterClearingCacheStopService && anyDone {
			if err := o.device.StopService(ctx); err != nil {
				o.logger.Warn("Stop service failed", zap.Error(err))
			} else {
				o.publish(Event{Type: EventPostAction, Message: "stop_service"})
			}
		}
		o.setActive("")
		o.setState(StateRunComplete)
		o.logger.Info("Run completed",
			zap.Int("done", sum.Count(OutcomeDone)),
			zap.Int("failed", sum.Count(OutcomeFailed)),
			zap.Int("skipped", sum.Count(OutcomeSkipped)))
		o.publish(Event{Type: EventRunCompleted, State: StateRunComplete})
	}

	sum.Final, _, _ = o.State()
	sum.FinishedAt = time.Now()
	sum.Items = make([]types.WorkItem, len(o.items))
	copy(sum.Items, o.items)
	return sum, nil
}

// processItem returns an error only when the run was stopped.
func (o *Orchestrator) processItem(ctx context.Context, item *types.WorkItem) (Outcome, error) {
	start := time.Now()
	locale := item.Locale
	if locale == "" {
		locale = o.cfg.Locale
	}

	o.itemSeq.Add(1)
	o.foreground = ""
	o.setActive(item.Package)
	o.publish(Event{Type: EventItemStarted, Package: item.Package})
	o.setState(StateSelectingNext)

	err := o.await(ctx, newBudget(o.cfg.DelayForNextApp), nil)
	if errors.Is(err, errBudgetExhausted) {
		err = nil
	}

	if err == nil {
		err = o.navigate(ctx, item, locale)
	}
	var mark uint64
	if err == nil {
		mark, err = o.clearCache(ctx, locale)
	}
	if err == nil {
		err = o.awaitResult(ctx, locale, mark)
	}

	return o.finishItem(ctx, item, err, time.Since(start))
}

func (o *Orchestrator) finishItem(ctx context.Context, item *types.WorkItem, err error, elapsed time.Duration) (Outcome, error) {
	outcome := Outcome{Package: item.Package, Duration: elapsed}

	var itemErr *ItemError
	switch {
	case err == nil:
		o.returnToList(ctx)
		outcome.Status = OutcomeDone
		o.setState(StateItemDone)
		o.logger.Info("Cache cleared", zap.String("package", item.Package), zap.Duration("elapsed", elapsed))
		o.publish(Event{Type: EventItemDone, Package: item.Package, State: StateItemDone, Outcome: &outcome})
		if o.cfg.AfterClearingCacheCloseApp {
			if o.foreground == "" {
				o.logger.Warn("Close app skipped, no foreground package recorded", zap.String("package", item.Package))
			} else if err := o.device.CloseApp(ctx, o.foreground); err != nil {
				o.logger.Warn("Close app failed", zap.String("package", item.Package), zap.Error(err))
			} else {
				o.publish(Event{Type: EventPostAction, Package: item.Package, Message: "close_app"})
			}
		}

	case errors.Is(err, errSkipRequested):
		outcome.Status = OutcomeSkipped
		o.setState(StateItemSkipped)
		o.logger.Info("Item skipped", zap.String("package", item.Package))
		o.publish(Event{Type: EventItemSkipped, Package: item.Package, State: StateItemSkipped, Outcome: &outcome})

	case ctx.Err() != nil:
		return outcome, ctx.Err()

	case errors.As(err, &itemErr):
		outcome.Status = OutcomeFailed
		outcome.Reason = itemErr.Kind
		outcome.Stage = itemErr.Stage
		outcome.Message = itemErr.Error()
		o.setState(StateItemFailed)
		o.logger.Warn("Item failed",
			zap.String("package", item.Package),
			zap.String("reason", string(itemErr.Kind)),
			zap.String("stage", itemErr.Stage),
			zap.Error(itemErr.Err))
		o.publish(Event{Type: EventItemFailed, Package: item.Package, State: StateItemFailed, Outcome: &outcome, Message: outcome.Message})
		if itemErr.Kind.Recoverable() {
			if err := o.applyIgnorePolicy(ctx, item, itemErr.Kind); err != nil {
				return outcome, err
			}
			outcome.Ignored = item.Ignore
		}

	default:
		// device errors that escaped classification
		outcome.Status = OutcomeFailed
		outcome.Reason = FailureTargetUnreachable
		outcome.Message = err.Error()
		o.setState(StateItemFailed)
		o.logger.Error("Item failed", zap.String("package", item.Package), zap.Error(err))
		o.publish(Event{Type: EventItemFailed, Package: item.Package, State: StateItemFailed, Outcome: &outcome, Message: outcome.Message})
	}

	return outcome, nil
}

// applyIgnorePolicy marks item ignored. With prompting enabled the operator
// decides and an accepted prompt is persisted. The ignore flag is never
// cleared during a run.
func (o *Orchestrator) applyIgnorePolicy(ctx context.Context, item *types.WorkItem, kind FailureKind) error {
	if !o.cfg.Filter.ShowDialogToIgnoreApp || o.confirmer == nil {
		item.Ignore = true
		o.publish(Event{Type: EventItemIgnored, Package: item.Package, Message: "run"})
		return nil
	}

	o.publish(Event{Type: EventIgnoreRequested, Package: item.Package, Message: string(kind)})
	accept, err := o.prompt(ctx, *item, kind)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errSkipRequested) {
			o.logger.Info("Ignore prompt declined by skip", zap.String("package", item.Package))
			return nil
		}
		o.logger.Warn("Ignore prompt failed", zap.String("package", item.Package), zap.Error(err))
		return nil
	}
	if !accept {
		return nil
	}

	item.Ignore = true
	if o.ignored != nil {
		if err := o.ignored.AddIgnoredApp(ctx, item.Package); err != nil {
			o.logger.Warn("Failed to persist ignored app", zap.String("package", item.Package), zap.Error(err))
		}
	}
	o.publish(Event{Type: EventItemIgnored, Package: item.Package, Message: "permanent"})
	return nil
}

// prompt asks the confirmer while still serving control commands. A skip of
// the prompting item withdraws the prompt.
func (o *Orchestrator) prompt(ctx context.Context, item types.WorkItem, kind FailureKind) (bool, error) {
	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type answer struct {
		accept bool
		err    error
	}
	answers := make(chan answer, 1)
	go func() {
		accept, err := o.confirmer.ConfirmIgnore(promptCtx, item, kind)
		answers <- answer{accept, err}
	}()

	for {
		select {
		case a := <-answers:
			return a.accept, a.err
		case cmd := <-o.cmds:
			if o.apply(cmd) {
				cancel()
				<-answers
				return false, errSkipRequested
			}
		case <-ctx.Done():
			cancel()
			<-answers
			return false, ctx.Err()
		}
	}
}

func (o *Orchestrator) navigate(ctx context.Context, item *types.WorkItem, locale string) error {
	for _, st := range o.scenario.Navigation() {
		o.setState(StateNavigatingToTarget)
		if err := o.runNavigationStage(ctx, item, st, locale); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runNavigationStage(ctx context.Context, item *types.WorkItem, st scenario.Stage, locale string) error {
	b := o.budgetFor(st)

	var texts []string
	if st.Action == scenario.ActionClick {
		resolved, err := o.matcher.Resolve(locale, st.Purpose)
		if err != nil {
			return &ItemError{Kind: FailureControlNotFound, Stage: st.Name, Err: err}
		}
		texts = resolved
	}

	if st.Action == scenario.ActionOpenAppInfo {
		if err := o.leaveStaleScreen(ctx, st, b, locale); err != nil {
			return err
		}
	}

	o.drainChanges()
	mark := o.changeSeq
	acted := false

	if st.Action == scenario.ActionOpenAppInfo {
		if err := o.device.OpenAppInfo(ctx, item.Package); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ItemError{Kind: FailureTargetUnreachable, Stage: st.Name, Err: err}
		}
		acted = true
	}

	var rejected error
	err := o.await(ctx, b, func(ctx context.Context) (bool, error) {
		if err := o.checkErrorSignals(st.Name); err != nil {
			return false, err
		}
		if !acted {
			seq, err := o.clickFirst(ctx, texts)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				rejected = err
				return false, nil
			}
			if seq == nil {
				return false, nil
			}
			acted = true
			mark = *seq
			return false, nil
		}
		// the screen must have changed since the action
		if o.changeSeq <= mark {
			return false, nil
		}
		return o.matches(st.Expect, locale), nil
	})

	switch {
	case err == nil:
		if st.Action == scenario.ActionOpenAppInfo {
			o.foreground = o.device.CurrentStageSignal().Package
		}
		return nil
	case errors.Is(err, errBudgetExhausted):
		if !acted && rejected != nil {
			return &ItemError{Kind: FailureClickRejected, Stage: st.Name, Err: rejected}
		}
		return &ItemError{
			Kind:  FailureTargetUnreachable,
			Stage: st.Name,
			Err:   fmt.Errorf("expected screen not reached within %s", b.total),
		}
	default:
		return err
	}
}

// leaveStaleScreen backs out of a screen that already looks like the app
// info target, typically left by a failed item. Otherwise a redraw of that
// screen would confirm the next item before its own app info is shown.
func (o *Orchestrator) leaveStaleScreen(ctx context.Context, st scenario.Stage, b *budget, locale string) error {
	if st.Expect.IsZero() || !o.matches(st.Expect, locale) {
		return nil
	}
	o.logger.Debug("Expected screen already showing, going back first",
		zap.String("stage", st.Name),
		zap.String("signal", o.device.CurrentStageSignal().String()))

	o.drainChanges()
	mark := o.changeSeq
	if err := o.device.Back(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ItemError{Kind: FailureTargetUnreachable, Stage: st.Name, Err: err}
	}
	err := o.await(ctx, b, func(ctx context.Context) (bool, error) {
		return o.changeSeq > mark && !o.matches(st.Expect, locale), nil
	})
	if errors.Is(err, errBudgetExhausted) {
		return &ItemError{
			Kind:  FailureTargetUnreachable,
			Stage: st.Name,
			Err:   fmt.Errorf("previous screen %s did not close", o.device.CurrentStageSignal()),
		}
	}
	return err
}

// clickFirst finds and clicks the first node matching texts. A rejected
// click is re-evaluated once immediately. It returns the change sequence
// taken just before the successful click, or nil when nothing matched.
func (o *Orchestrator) clickFirst(ctx context.Context, texts []string) (*uint64, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		node, ok := o.device.FindClickable(texts)
		if !ok {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, nil
		}
		o.drainChanges()
		seq := o.changeSeq
		err := o.device.Click(ctx, node)
		if err == nil {
			return &seq, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Debug("Click rejected", zap.String("text", node.Text), zap.Int("attempt", attempt+1), zap.Error(err))
		lastErr = fmt.Errorf("%w: %v", errClickRejected, err)
	}
	return nil, lastErr
}

// clearCache waits for the clear-cache control and clicks it once. It
// returns the change sequence taken before the click.
func (o *Orchestrator) clearCache(ctx context.Context, locale string) (uint64, error) {
	st, _ := o.scenario.ClearStage()
	texts, err := o.matcher.Resolve(locale, st.Purpose)
	if err != nil {
		return 0, &ItemError{Kind: FailureControlNotFound, Stage: st.Name, Err: err}
	}

	b := o.budgetFor(st)
	var rejected error
	rejectMark := uint64(0)

	for {
		o.setState(StateAwaitingControl)
		var node probe.Node
		err := o.await(ctx, b, func(ctx context.Context) (bool, error) {
			if err := o.checkErrorSignals(st.Name); err != nil {
				return false, err
			}
			if rejected != nil && o.changeSeq <= rejectMark {
				return false, nil
			}
			n, ok := o.device.FindClickable(texts)
			if ok {
				node = n
			}
			return ok, nil
		})
		if errors.Is(err, errBudgetExhausted) {
			if rejected != nil {
				return 0, &ItemError{Kind: FailureClickRejected, Stage: st.Name, Err: rejected}
			}
			return 0, &ItemError{
				Kind:  FailureControlNotFound,
				Stage: st.Name,
				Err:   fmt.Errorf("no control matching %q within %s", texts, b.total),
			}
		}
		if err != nil {
			return 0, err
		}

		o.setState(StateActivating)
		o.drainChanges()
		mark := o.changeSeq
		err = o.device.Click(ctx, node)
		if err != nil && ctx.Err() == nil {
			o.logger.Debug("Clear cache click rejected, re-evaluating", zap.Error(err))
			rejected = err
			if again, ok := o.device.FindClickable(texts); ok {
				o.drainChanges()
				mark = o.changeSeq
				err = o.device.Click(ctx, again)
				if err != nil {
					rejected = err
				}
			}
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err == nil {
			return mark, nil
		}
		// both attempts rejected: wait for the next change, charged to the budget
		rejectMark = o.changeSeq
	}
}

// awaitResult handles confirmation dialogs and then waits one settle window
// for the UI to react. No reaction is not a failure.
func (o *Orchestrator) awaitResult(ctx context.Context, locale string, mark uint64) error {
	o.setState(StateAwaitingResult)

	for _, st := range o.scenario.AfterClear() {
		if st.Action != scenario.ActionConfirm {
			continue
		}
		texts, err := o.matcher.Resolve(locale, st.Purpose)
		if err != nil {
			if st.Optional {
				continue
			}
			return &ItemError{Kind: FailureControlNotFound, Stage: st.Name, Err: err}
		}

		b := o.budgetFor(st)
		err = o.await(ctx, b, func(ctx context.Context) (bool, error) {
			if err := o.checkErrorSignals(st.Name); err != nil {
				return false, err
			}
			seq, err := o.clickFirst(ctx, texts)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				return false, nil
			}
			if seq == nil {
				return false, nil
			}
			mark = *seq
			return true, nil
		})
		if errors.Is(err, errBudgetExhausted) {
			if st.Optional {
				continue
			}
			return &ItemError{Kind: FailureControlNotFound, Stage: st.Name, Err: fmt.Errorf("confirmation not shown within %s", b.total)}
		}
		if err != nil {
			return err
		}
	}

	clearStage, _ := o.scenario.ClearStage()
	err := o.await(ctx, newBudget(o.cfg.Settle), func(ctx context.Context) (bool, error) {
		if err := o.checkErrorSignals(clearStage.Name); err != nil {
			return false, err
		}
		return o.changeSeq > mark, nil
	})
	if errors.Is(err, errBudgetExhausted) {
		return nil
	}
	return err
}

// returnToList runs the back stages after a successful clear. Failures are
// logged only.
func (o *Orchestrator) returnToList(ctx context.Context) {
	for _, st := range o.scenario.AfterClear() {
		if st.Action != scenario.ActionBack {
			continue
		}
		count := st.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			if err := o.device.Back(ctx); err != nil {
				o.logger.Debug("Back failed", zap.String("stage", st.Name), zap.Error(err))
				return
			}
		}
	}
}

func (o *Orchestrator) checkErrorSignals(stage string) error {
	if len(o.scenario.ErrorSignals) == 0 {
		return nil
	}
	sig := o.device.CurrentStageSignal()
	for i := range o.scenario.ErrorSignals {
		if o.matchesSignal(&o.scenario.ErrorSignals[i], sig, "") {
			return &ItemError{Kind: FailureUnexpectedDialog, Stage: stage, Err: fmt.Errorf("error dialog on screen: %s", sig)}
		}
	}
	return nil
}

func (o *Orchestrator) matches(m *scenario.SignalMatch, locale string) bool {
	if m == nil {
		return true
	}
	return o.matchesSignal(m, o.device.CurrentStageSignal(), locale)
}

func (o *Orchestrator) matchesSignal(m *scenario.SignalMatch, sig probe.Signal, locale string) bool {
	if !m.MatchesSignal(sig) {
		return false
	}
	if m.Purpose == "" {
		return true
	}
	texts, err := o.matcher.Resolve(locale, m.Purpose)
	if err != nil {
		return false
	}
	_, ok := o.device.FindClickable(texts)
	return ok
}

func (o *Orchestrator) budgetFor(st scenario.Stage) *budget {
	if st.Timeout.Duration > 0 {
		return newBudget(st.Timeout.Duration)
	}
	switch st.EffectiveTimeoutKey() {
	case scenario.TimeoutMaxWaitClearCache:
		return newBudget(o.cfg.MaxWaitClearCacheButton)
	case scenario.TimeoutSettle:
		return newBudget(o.cfg.Settle)
	default:
		return newBudget(o.cfg.MaxWaitApp)
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	o.state = s
	active := o.active
	o.mu.Unlock()

	o.publish(Event{Type: EventStateChanged, Package: active, State: s})
}

func (o *Orchestrator) setActive(pkg string) {
	o.mu.Lock()
	o.active = pkg
	o.mu.Unlock()
}

func (o *Orchestrator) activePackage() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

func (o *Orchestrator) isPaused() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.paused
}

func (o *Orchestrator) publish(e Event) {
	e.ID = uuid.New()
	e.RunID = o.runID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	o.sink.Publish(e)
}
