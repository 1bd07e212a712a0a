package orchestrator

type State string

const (
	StateIdle               State = "idle"
	StateSelectingNext      State = "selecting_next"
	StateNavigatingToTarget State = "navigating_to_target"
	StateAwaitingControl    State = "awaiting_control"
	StateActivating         State = "activating"
	StateAwaitingResult     State = "awaiting_result"
	StateItemDone           State = "item_done"
	StateItemFailed         State = "item_failed"
	StateItemSkipped        State = "item_skipped"
	StatePaused             State = "paused"
	StateRunComplete        State = "run_complete"
	StateStopped            State = "stopped"
)

// Terminal reports whether the run can no longer change state.
func (s State) Terminal() bool {
	return s == StateRunComplete || s == StateStopped
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdSkip
)

// command is a control request. item is the sequence number of the item
// that was active when the command was sent; a skip only applies to it.
type command struct {
	kind commandKind
	item uint64
}

func (c commandKind) String() string {
	switch c {
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	case cmdSkip:
		return "skip"
	}
	return "unknown"
}
