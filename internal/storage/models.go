package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type Run struct {
	ID         uuid.UUID  `json:"id"`
	ScenarioID string     `json:"scenario_id"`
	Locale     string     `json:"locale"`
	State      string     `json:"state"`
	Config     []byte     `json:"config"` // JSON
	ItemCount  int        `json:"item_count"`
	Done       int        `json:"done"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type RunItem struct {
	RunID      uuid.UUID `json:"run_id"`
	Position   int       `json:"position"`
	Package    string    `json:"package"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Ignored    bool      `json:"ignored"`
	CreatedAt  time.Time `json:"created_at"`
}

type RunEvent struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Type      string    `json:"type"`
	Package   string    `json:"package,omitempty"`
	Payload   []byte    `json:"payload"` // JSON
	CreatedAt time.Time `json:"created_at"`
}

type IgnoredApp struct {
	Package   string    `json:"package"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PackageList is a named, user-maintained selection of packages.
type PackageList struct {
	Name      string    `json:"name"`
	Packages  []string  `json:"packages"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuthEvent struct {
	EventType string    `json:"event_type"`
	Username  string    `json:"username,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists run history, the permanent ignore list and saved package
// lists. PostgresClient backs the server, SQLiteClient the local CLI.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	SaveRunItem(ctx context.Context, item *RunItem) error
	ListRunItems(ctx context.Context, runID uuid.UUID) ([]*RunItem, error)

	AppendRunEvent(ctx context.Context, ev *RunEvent) error
	ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*RunEvent, error)

	AddIgnoredApp(ctx context.Context, pkg string) error
	AddIgnoredAppWithReason(ctx context.Context, pkg, reason string) error
	RemoveIgnoredApp(ctx context.Context, pkg string) error
	ListIgnoredApps(ctx context.Context) ([]*IgnoredApp, error)
	IgnoredSet(ctx context.Context) (map[string]bool, error)

	SavePackageList(ctx context.Context, name string, packages []string) error
	GetPackageList(ctx context.Context, name string) (*PackageList, error)
	ListPackageLists(ctx context.Context) ([]*PackageList, error)
	DeletePackageList(ctx context.Context, name string) error

	LogAuthEvent(ctx context.Context, ev AuthEvent) error

	Close()
}
