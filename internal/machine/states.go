package machine

import (
	"time"

	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
)

type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
	CommandSkip   Command = "skip"
	// CommandIgnore answers a pending ignore prompt; args: package, ignore.
	CommandIgnore Command = "ignore"
)

// RunStatus is the controller's view of the current or last run.
type RunStatus struct {
	RunID          string             `json:"run_id,omitempty"`
	State          orchestrator.State `json:"state"`
	ResumeInto     orchestrator.State `json:"resume_into,omitempty"`
	Running        bool               `json:"running"`
	ActivePackage  string             `json:"active_package,omitempty"`
	ScenarioID     string             `json:"scenario_id,omitempty"`
	Total          int                `json:"total"`
	Done           int                `json:"done"`
	Failed         int                `json:"failed"`
	Skipped        int                `json:"skipped"`
	PendingPrompts []string           `json:"pending_prompts,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
}
