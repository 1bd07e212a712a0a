package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
)

// Screen is one snapshot served by Scripted.
type Screen struct {
	Signal Signal
	Nodes  []ScriptedNode
}

type ScriptedNode struct {
	Text      string
	Clickable bool
}

// Action keys used in Scripted transitions and its action log.
const (
	ActionBack        = "back"
	ActionCloseApp    = "close"
	ActionStopService = "stop-service"
)

func OpenAction(pkg string) string   { return "open:" + pkg }
func ClickAction(text string) string { return "click:" + text }

// Scripted is a deterministic Device for tests and dry runs. Every action is
// logged; if a transition is registered for the action key the screen is
// replaced and subscribers are notified.
type Scripted struct {
	mu          sync.Mutex
	screen      Screen
	generation  uint64
	transitions map[string]Screen
	subscribers []chan ChangeEvent
	actions     []string
	closed      []string
	rejectNext  int
	openErr     map[string]error
}

func NewScripted(initial Screen) *Scripted {
	return &Scripted{
		screen:      initial,
		generation:  1,
		transitions: make(map[string]Screen),
		openErr:     make(map[string]error),
	}
}

// On registers the screen shown after action.
func (s *Scripted) On(action string, next Screen) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[action] = next
	return s
}

// FailOpen makes OpenAppInfo for pkg return err.
func (s *Scripted) FailOpen(pkg string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr[pkg] = err
}

// RejectClicks makes the next n clicks fail with ErrStaleNode.
func (s *Scripted) RejectClicks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
}

// SetScreen replaces the current screen as if the UI changed on its own.
func (s *Scripted) SetScreen(screen Screen) {
	s.mu.Lock()
	s.screen = screen
	s.bumpLocked()
	s.mu.Unlock()
}

// Actions returns the log of performed actions in order.
func (s *Scripted) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.actions))
	copy(out, s.actions)
	return out
}

// ClosedApps returns the packages passed to CloseApp, in call order.
func (s *Scripted) ClosedApps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.closed))
	copy(out, s.closed)
	return out
}

func (s *Scripted) CurrentStageSignal() Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen.Signal
}

func (s *Scripted) FindClickable(candidates []string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.screen.Nodes {
		if !n.Clickable {
			continue
		}
		if _, ok := textmatch.Match(n.Text, candidates); ok {
			return Node{Index: i, Text: n.Text, Generation: s.generation}, true
		}
	}
	return Node{}, false
}

func (s *Scripted) Click(ctx context.Context, node Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectNext > 0 {
		s.rejectNext--
		return fmt.Errorf("click %q: %w", node.Text, ErrStaleNode)
	}
	if node.Generation != s.generation {
		return fmt.Errorf("click %q: %w", node.Text, ErrStaleNode)
	}
	s.applyLocked(ClickAction(node.Text))
	return nil
}

func (s *Scripted) SubscribeChanges(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscribers {
			if sub == ch {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *Scripted) OpenAppInfo(ctx context.Context, pkg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openErr[pkg]; err != nil {
		s.actions = append(s.actions, OpenAction(pkg))
		return err
	}
	s.applyLocked(OpenAction(pkg))
	return nil
}

func (s *Scripted) Back(ctx context.Context) error        { return s.do(ctx, ActionBack) }
func (s *Scripted) StopService(ctx context.Context) error { return s.do(ctx, ActionStopService) }

// CloseApp records pkg and applies the ActionCloseApp transition.
func (s *Scripted) CloseApp(ctx context.Context, pkg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = append(s.closed, pkg)
	s.mu.Unlock()
	return s.do(ctx, ActionCloseApp)
}

func (s *Scripted) do(ctx context.Context, action string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(action)
	return nil
}

func (s *Scripted) applyLocked(action string) {
	s.actions = append(s.actions, action)
	next, ok := s.transitions[action]
	if !ok {
		return
	}
	s.screen = next
	s.bumpLocked()
}

func (s *Scripted) bumpLocked() {
	s.generation++
	ev := ChangeEvent{Generation: s.generation}
	for _, sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
			// subscriber is behind; it will re-read the screen anyway
		}
	}
}
