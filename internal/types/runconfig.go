package types

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRunConfig = errors.New("invalid run config")

// RunConfig is immutable for the duration of a run.
type RunConfig struct {
	DelayForNextApp         time.Duration `json:"delay_for_next_app"`
	MaxWaitApp              time.Duration `json:"max_wait_app"`
	MaxWaitClearCacheButton time.Duration `json:"max_wait_clear_cache_button"`
	Settle                  time.Duration `json:"settle"`

	ScenarioID string `json:"scenario_id"`
	// Locale is used for items that carry no label locale of their own.
	Locale string `json:"locale"`

	AfterClearingCacheStopService bool `json:"after_clearing_cache_stop_service"`
	AfterClearingCacheCloseApp    bool `json:"after_clearing_cache_close_app"`

	Filter Filter `json:"filter"`
}

type Filter struct {
	MinCacheSize          int64 `json:"min_cache_size"`
	HideDisabledApps      bool  `json:"hide_disabled_apps"`
	HideIgnoredApps       bool  `json:"hide_ignored_apps"`
	ShowDialogToIgnoreApp bool  `json:"show_dialog_to_ignore_app"`
}

// Validate rejects any non-positive timeout and a missing scenario.
func (c RunConfig) Validate() error {
	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"delay_for_next_app", c.DelayForNextApp},
		{"max_wait_app", c.MaxWaitApp},
		{"max_wait_clear_cache_button", c.MaxWaitClearCacheButton},
		{"settle", c.Settle},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidRunConfig, t.name, t.value)
		}
	}
	if c.ScenarioID == "" {
		return fmt.Errorf("%w: scenario is required", ErrInvalidRunConfig)
	}
	if c.Filter.MinCacheSize < 0 {
		return fmt.Errorf("%w: min_cache_size must not be negative", ErrInvalidRunConfig)
	}
	return nil
}

// ValidateItems checks that every package appears at most once.
func ValidateItems(items []WorkItem) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if item.Package == "" {
			return fmt.Errorf("%w: item %d has no package", ErrInvalidRunConfig, i)
		}
		if _, dup := seen[item.Package]; dup {
			return fmt.Errorf("%w: duplicate package %s", ErrInvalidRunConfig, item.Package)
		}
		seen[item.Package] = struct{}{}
	}
	return nil
}
