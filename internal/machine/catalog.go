package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/selection"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

// PackageSource enumerates the applications installed on the device.
type PackageSource interface {
	Packages(ctx context.Context) ([]types.WorkItem, error)
}

// SetCatalog attaches the selection catalog and the source that fills it.
func (c *Controller) SetCatalog(catalog *selection.Catalog, source PackageSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = catalog
	c.packages = source
}

func (c *Controller) Catalog() *selection.Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalog
}

// RefreshCatalog re-reads the installed packages. Known entries keep their
// checked state; labels are replaced when captured in another locale.
func (c *Controller) RefreshCatalog(ctx context.Context, locale string) (int, error) {
	c.mu.RLock()
	catalog, source := c.catalog, c.packages
	c.mu.RUnlock()
	if catalog == nil || source == nil {
		return 0, errors.New("no package catalog configured")
	}

	items, err := source.Packages(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate packages: %w", err)
	}

	added := 0
	for _, it := range items {
		if !catalog.Contains(it.Package) {
			it.Locale = locale
			catalog.AddItem(it)
			added++
			continue
		}
		catalog.UpdateStats(it.Package, it.CacheBytes)
		if !catalog.IsSameLabelLocale(it.Package, locale) {
			catalog.UpdateLabel(it.Package, it.Label, locale)
		}
	}
	c.logger.Info("Package catalog refreshed",
		zap.Int("packages", len(items)),
		zap.Int("added", added))
	return len(items), nil
}

// StartSelected starts a run over the checked catalog entries that pass the
// run's filter.
func (c *Controller) StartSelected(ctx context.Context, cfg types.RunConfig) (uuid.UUID, error) {
	catalog := c.Catalog()
	if catalog == nil {
		return uuid.Nil, errors.New("no package catalog configured")
	}

	var ignored map[string]bool
	if c.store != nil {
		set, err := c.store.IgnoredSet(ctx)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to load ignored apps: %w", err)
		}
		ignored = set
	}

	catalog.Order(cfg.Filter, ignored)
	items := catalog.Selected()
	if len(items) == 0 {
		return uuid.Nil, errors.New("no packages selected")
	}
	return c.Start(ctx, items, cfg)
}

// ApplyPackageList checks exactly the packages of a saved list and returns
// those not installed.
func (c *Controller) ApplyPackageList(ctx context.Context, name string) ([]string, error) {
	catalog := c.Catalog()
	if catalog == nil {
		return nil, errors.New("no package catalog configured")
	}
	if c.store == nil {
		return nil, errors.New("no store configured")
	}
	list, err := c.store.GetPackageList(ctx, name)
	if err != nil {
		return nil, err
	}
	return catalog.CheckOnly(list.Packages), nil
}
