package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteClient is the single-file store used by the local CLI.
type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(ctx context.Context, path string) (*SQLiteClient, error) {
	if path == "" {
		path = "cachecleaner.db"
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite serialises writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLiteClient{db: db}, nil
}

func (s *SQLiteClient) Close() {
	s.db.Close()
}

func (s *SQLiteClient) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if len(run.Config) == 0 {
		run.Config = []byte("{}")
	}
	run.StartedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, scenario_id, locale, state, config, item_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.ScenarioID, run.Locale, run.State, string(run.Config), run.ItemCount, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLiteClient) FinishRun(ctx context.Context, run *Run) error {
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, done = ?, failed = ?, skipped = ?, finished_at = ?
		WHERE id = ?
	`, run.State, run.Done, run.Failed, run.Skipped, *run.FinishedAt, run.ID.String())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var id, cfg string
	var finished sql.NullTime
	if err := row.Scan(
		&id, &run.ScenarioID, &run.Locale, &run.State, &cfg,
		&run.ItemCount, &run.Done, &run.Failed, &run.Skipped, &run.StartedAt, &finished,
	); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	run.ID = parsed
	run.Config = []byte(cfg)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func (s *SQLiteClient) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario_id, locale, state, config, item_count, done, failed, skipped, started_at, finished_at
		FROM runs
		WHERE id = ?
	`, id.String())
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *SQLiteClient) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario_id, locale, state, config, item_count, done, failed, skipped, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteClient) SaveRunItem(ctx context.Context, item *RunItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_items (run_id, position, package, status, reason, stage, message, duration_ms, ignored, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, package) DO UPDATE
		SET status = excluded.status, reason = excluded.reason, stage = excluded.stage,
		    message = excluded.message, duration_ms = excluded.duration_ms, ignored = excluded.ignored
	`, item.RunID.String(), item.Position, item.Package, item.Status, item.Reason, item.Stage,
		item.Message, item.DurationMS, item.Ignored, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run item: %w", err)
	}
	return nil
}

func (s *SQLiteClient) ListRunItems(ctx context.Context, runID uuid.UUID) ([]*RunItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, package, status, reason, stage, message, duration_ms, ignored, created_at
		FROM run_items
		WHERE run_id = ?
		ORDER BY position
	`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list run items: %w", err)
	}
	defer rows.Close()

	items := make([]*RunItem, 0)
	for rows.Next() {
		it := RunItem{RunID: runID}
		if err := rows.Scan(
			&it.Position, &it.Package, &it.Status, &it.Reason, &it.Stage,
			&it.Message, &it.DurationMS, &it.Ignored, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run item: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (s *SQLiteClient) AppendRunEvent(ctx context.Context, ev *RunEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (id, run_id, type, package, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID.String(), ev.RunID.String(), ev.Type, ev.Package, string(ev.Payload), ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run event: %w", err)
	}
	return nil
}

func (s *SQLiteClient) ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*RunEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, package, payload, created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY created_at, rowid
		LIMIT ?
	`, runID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	events := make([]*RunEvent, 0)
	for rows.Next() {
		ev := RunEvent{RunID: runID}
		var id, payload string
		if err := rows.Scan(&id, &ev.Type, &ev.Package, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", id, err)
		}
		ev.Payload = []byte(payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *SQLiteClient) AddIgnoredApp(ctx context.Context, pkg string) error {
	return s.AddIgnoredAppWithReason(ctx, pkg, "")
}

func (s *SQLiteClient) AddIgnoredAppWithReason(ctx context.Context, pkg, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ignored_apps (package, reason, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (package) DO NOTHING
	`, pkg, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add ignored app: %w", err)
	}
	return nil
}

func (s *SQLiteClient) RemoveIgnoredApp(ctx context.Context, pkg string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ignored_apps WHERE package = ?`, pkg)
	if err != nil {
		return fmt.Errorf("failed to remove ignored app: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("ignored app %s: %w", pkg, ErrNotFound)
	}
	return nil
}

func (s *SQLiteClient) ListIgnoredApps(ctx context.Context) ([]*IgnoredApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT package, reason, created_at FROM ignored_apps ORDER BY package
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ignored apps: %w", err)
	}
	defer rows.Close()

	apps := make([]*IgnoredApp, 0)
	for rows.Next() {
		var app IgnoredApp
		if err := rows.Scan(&app.Package, &app.Reason, &app.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ignored app: %w", err)
		}
		apps = append(apps, &app)
	}
	return apps, rows.Err()
}

func (s *SQLiteClient) IgnoredSet(ctx context.Context) (map[string]bool, error) {
	return ignoredSet(ctx, s)
}

func (s *SQLiteClient) SavePackageList(ctx context.Context, name string, packages []string) error {
	if packages == nil {
		packages = []string{}
	}
	data, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("failed to marshal packages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO package_lists (name, packages, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET packages = excluded.packages, updated_at = excluded.updated_at
	`, name, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save package list: %w", err)
	}
	return nil
}

func scanPackageList(row rowScanner) (*PackageList, error) {
	var list PackageList
	var data string
	if err := row.Scan(&list.Name, &data, &list.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &list.Packages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal packages: %w", err)
	}
	return &list, nil
}

func (s *SQLiteClient) GetPackageList(ctx context.Context, name string) (*PackageList, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, packages, updated_at FROM package_lists WHERE name = ?
	`, name)
	list, err := scanPackageList(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("package list %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get package list: %w", err)
	}
	return list, nil
}

func (s *SQLiteClient) ListPackageLists(ctx context.Context) ([]*PackageList, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, packages, updated_at FROM package_lists ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list package lists: %w", err)
	}
	defer rows.Close()

	lists := make([]*PackageList, 0)
	for rows.Next() {
		list, err := scanPackageList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package list: %w", err)
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

func (s *SQLiteClient) DeletePackageList(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM package_lists WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete package list: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("package list %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *SQLiteClient) LogAuthEvent(ctx context.Context, ev AuthEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_events (event_type, username, ip_address, user_agent, success, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.EventType, ev.Username, ev.IPAddress, ev.UserAgent, ev.Success, ev.Reason, time.Now().UTC())
	return err
}
