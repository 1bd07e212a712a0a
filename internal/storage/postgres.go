package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
)

//go:embed migrations/postgres.sql
var postgresSchema string

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresClient) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if len(run.Config) == 0 {
		run.Config = []byte("{}")
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO runs (id, scenario_id, locale, state, config, item_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at
	`, run.ID, run.ScenarioID, run.Locale, run.State, run.Config, run.ItemCount).Scan(&run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final state and counters of a run.
func (p *PostgresClient) FinishRun(ctx context.Context, run *Run) error {
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	result, err := p.pool.Exec(ctx, `
		UPDATE runs
		SET state = $2, done = $3, failed = $4, skipped = $5, finished_at = $6
		WHERE id = $1
	`, run.ID, run.State, run.Done, run.Failed, run.Skipped, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	err := p.pool.QueryRow(ctx, `
		SELECT id, scenario_id, locale, state, config, item_count, done, failed, skipped, started_at, finished_at
		FROM runs
		WHERE id = $1
	`, id).Scan(
		&run.ID, &run.ScenarioID, &run.Locale, &run.State, &run.Config,
		&run.ItemCount, &run.Done, &run.Failed, &run.Skipped, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (p *PostgresClient) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, scenario_id, locale, state, config, item_count, done, failed, skipped, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.ScenarioID, &run.Locale, &run.State, &run.Config,
			&run.ItemCount, &run.Done, &run.Failed, &run.Skipped, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (p *PostgresClient) SaveRunItem(ctx context.Context, item *RunItem) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO run_items (run_id, position, package, status, reason, stage, message, duration_ms, ignored)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, package) DO UPDATE
		SET status = EXCLUDED.status, reason = EXCLUDED.reason, stage = EXCLUDED.stage,
		    message = EXCLUDED.message, duration_ms = EXCLUDED.duration_ms, ignored = EXCLUDED.ignored
		RETURNING created_at
	`, item.RunID, item.Position, item.Package, item.Status, item.Reason, item.Stage,
		item.Message, item.DurationMS, item.Ignored).Scan(&item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run item: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListRunItems(ctx context.Context, runID uuid.UUID) ([]*RunItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, position, package, status, reason, stage, message, duration_ms, ignored, created_at
		FROM run_items
		WHERE run_id = $1
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run items: %w", err)
	}
	defer rows.Close()

	items := make([]*RunItem, 0)
	for rows.Next() {
		var it RunItem
		if err := rows.Scan(
			&it.RunID, &it.Position, &it.Package, &it.Status, &it.Reason, &it.Stage,
			&it.Message, &it.DurationMS, &it.Ignored, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run item: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (p *PostgresClient) AppendRunEvent(ctx context.Context, ev *RunEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte("{}")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_events (id, run_id, type, package, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.RunID, ev.Type, ev.Package, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run event: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*RunEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, type, package, payload, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY created_at
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	events := make([]*RunEvent, 0)
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &ev.Package, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (p *PostgresClient) AddIgnoredApp(ctx context.Context, pkg string) error {
	return p.AddIgnoredAppWithReason(ctx, pkg, "")
}

func (p *PostgresClient) AddIgnoredAppWithReason(ctx context.Context, pkg, reason string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ignored_apps (package, reason)
		VALUES ($1, $2)
		ON CONFLICT (package) DO NOTHING
	`, pkg, reason)
	if err != nil {
		return fmt.Errorf("failed to add ignored app: %w", err)
	}
	return nil
}

func (p *PostgresClient) RemoveIgnoredApp(ctx context.Context, pkg string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM ignored_apps WHERE package = $1`, pkg)
	if err != nil {
		return fmt.Errorf("failed to remove ignored app: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("ignored app %s: %w", pkg, ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) ListIgnoredApps(ctx context.Context) ([]*IgnoredApp, error) {
	rows, err := p.pool.Query(ctx, `
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

func (p *PostgresClient) IgnoredSet(ctx context.Context) (map[string]bool, error) {
	return ignoredSet(ctx, p)
}

func (p *PostgresClient) SavePackageList(ctx context.Context, name string, packages []string) error {
	data, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("failed to marshal packages: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO package_lists (name, packages, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET packages = EXCLUDED.packages, updated_at = NOW()
	`, name, data)
	if err != nil {
		return fmt.Errorf("failed to save package list: %w", err)
	}
	return nil
}

func (p *PostgresClient) GetPackageList(ctx context.Context, name string) (*PackageList, error) {
	var list PackageList
	var data []byte
	err := p.pool.QueryRow(ctx, `
		SELECT name, packages, updated_at FROM package_lists WHERE name = $1
	`, name).Scan(&list.Name, &data, &list.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("package list %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get package list: %w", err)
	}
	if err := json.Unmarshal(data, &list.Packages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal packages: %w", err)
	}
	return &list, nil
}

func (p *PostgresClient) ListPackageLists(ctx context.Context) ([]*PackageList, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT name, packages, updated_at FROM package_lists ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list package lists: %w", err)
	}
	defer rows.Close()

	lists := make([]*PackageList, 0)
	for rows.Next() {
		var list PackageList
		var data []byte
		if err := rows.Scan(&list.Name, &data, &list.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan package list: %w", err)
		}
		if err := json.Unmarshal(data, &list.Packages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal packages: %w", err)
		}
		lists = append(lists, &list)
	}
	return lists, rows.Err()
}

func (p *PostgresClient) DeletePackageList(ctx context.Context, name string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM package_lists WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete package list: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("package list %q: %w", name, ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) LogAuthEvent(ctx context.Context, ev AuthEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (event_type, username, ip_address, user_agent, success, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.EventType, ev.Username, ev.IPAddress, ev.UserAgent, ev.Success, ev.Reason)
	return err
}
