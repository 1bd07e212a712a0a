// Package probe defines how the orchestrator observes and drives the
// foreground UI of the device.
package probe

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStaleNode is returned by Click when the node no longer belongs to
	// the current screen.
	ErrStaleNode = errors.New("stale node")
	// ErrUnavailable means the probe lost its connection to the device.
	ErrUnavailable = errors.New("probe unavailable")
)

// Signal identifies the foreground screen. It is compared, never
// interpreted, by the orchestrator.
type Signal struct {
	Package  string `json:"package"`
	Activity string `json:"activity"`
}

func (s Signal) String() string {
	if s.Activity == "" {
		return s.Package
	}
	return fmt.Sprintf("%s/%s", s.Package, s.Activity)
}

type Bounds struct {
	Left, Top, Right, Bottom int
}

func (b Bounds) Center() (int, int) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

func (b Bounds) Empty() bool {
	return b.Right <= b.Left || b.Bottom <= b.Top
}

// Node is a handle to a clickable element. It is only valid for the
// snapshot it was taken from.
type Node struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	ResourceID string `json:"resource_id,omitempty"`
	Class      string `json:"class,omitempty"`
	Bounds     Bounds `json:"bounds"`
	Generation uint64 `json:"generation"`
}

// ChangeEvent wakes the orchestrator after the UI tree changed. It carries
// no payload the orchestrator relies on.
type ChangeEvent struct {
	Generation uint64
}

// ScreenProbe is the read/click side of the device UI.
type ScreenProbe interface {
	// CurrentStageSignal must not block.
	CurrentStageSignal() Signal
	// FindClickable returns the first clickable node, in traversal order,
	// whose text contains one of candidates.
	FindClickable(candidates []string) (Node, bool)
	Click(ctx context.Context, node Node) error
	// SubscribeChanges delivers change events until ctx is done, then
	// closes the channel.
	SubscribeChanges(ctx context.Context) <-chan ChangeEvent
}

// Navigator performs host-level actions that do not target a node.
type Navigator interface {
	OpenAppInfo(ctx context.Context, pkg string) error
	Back(ctx context.Context) error
	// CloseApp force-stops pkg, the app whose info screen the run opened.
	CloseApp(ctx context.Context, pkg string) error
	StopService(ctx context.Context) error
}

// Device is what a run needs from the host.
type Device interface {
	ScreenProbe
	Navigator
}
