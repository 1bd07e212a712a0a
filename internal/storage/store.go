package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
)

// Open connects the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		logger.Info("Connecting to PostgreSQL",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("database", cfg.Database))
		return NewPostgresClient(ctx, cfg)
	case "sqlite", "":
		logger.Info("Opening SQLite database", zap.String("path", cfg.SQLitePath))
		return NewSQLiteClient(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

type ignoredLister interface {
	ListIgnoredApps(ctx context.Context) ([]*IgnoredApp, error)
}

func ignoredSet(ctx context.Context, s ignoredLister) (map[string]bool, error) {
	apps, err := s.ListIgnoredApps(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(apps))
	for _, a := range apps {
		set[a.Package] = true
	}
	return set, nil
}
