package types

import "strings"

// WorkItem is one target application queued for cache clearing.
type WorkItem struct {
	Package    string `json:"package"`
	Label      string `json:"label"`
	Locale     string `json:"locale,omitempty"`
	CacheBytes *int64 `json:"cache_bytes,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
	Checked    bool   `json:"checked"`
	Ignore     bool   `json:"ignore"`
}

// DisplayLabel falls back to the package name when no label was captured.
func (w WorkItem) DisplayLabel() string {
	if strings.TrimSpace(w.Label) == "" {
		return w.Package
	}
	return w.Label
}

// HasCacheSize reports whether a cache-size hint is known.
func (w WorkItem) HasCacheSize() bool {
	return w.CacheBytes != nil
}

func Int64Ptr(v int64) *int64 {
	return &v
}
