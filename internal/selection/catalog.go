// Package selection builds the ordered list of work items for a run.
package selection

import (
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

// Catalog holds the known applications of one device. Each catalog is
// independent; runs receive a copy of the selected items.
type Catalog struct {
	mu        sync.RWMutex
	items     []types.WorkItem
	index     map[string]int
	displayed []types.WorkItem
}

func NewCatalog() *Catalog {
	return &Catalog{index: make(map[string]int)}
}

func (c *Catalog) Contains(pkg string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[pkg]
	return ok
}

// AddItem inserts item or replaces the entry with the same package, keeping
// the checked state of the existing entry.
func (c *Catalog) AddItem(item types.WorkItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[item.Package]; ok {
		item.Checked = c.items[i].Checked
		c.items[i] = item
		return
	}
	c.index[item.Package] = len(c.items)
	c.items = append(c.items, item)
}

// UpdateStats sets the cache-size hint. Unknown packages are ignored.
func (c *Catalog) UpdateStats(pkg string, cacheBytes *int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[pkg]
	if !ok {
		return false
	}
	if cacheBytes != nil {
		c.items[i].CacheBytes = types.Int64Ptr(*cacheBytes)
	} else {
		c.items[i].CacheBytes = nil
	}
	return true
}

func (c *Catalog) UpdateLabel(pkg, label, locale string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[pkg]
	if !ok {
		return false
	}
	c.items[i].Label = label
	c.items[i].Locale = locale
	return true
}

// IsSameLabelLocale reports whether the stored label of pkg was captured in
// locale. Unknown packages report false so callers refresh them.
func (c *Catalog) IsSameLabelLocale(pkg, locale string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[pkg]
	if !ok {
		return false
	}
	return strings.EqualFold(c.items[i].Locale, locale)
}

func (c *Catalog) SetChecked(pkg string, checked bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[pkg]
	if !ok {
		return false
	}
	c.items[i].Checked = checked
	return true
}

// CheckOnly checks exactly the given packages, as when a saved list is
// applied. It returns the packages not present in the catalog.
func (c *Catalog) CheckOnly(pkgs []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		want[p] = true
	}
	for i := range c.items {
		c.items[i].Checked = want[c.items[i].Package]
		delete(want, c.items[i].Package)
	}

	missing := make([]string, 0, len(want))
	for p := range want {
		missing = append(missing, p)
	}
	sort.Strings(missing)
	return missing
}

// MarkIgnored excludes pkg from the next run.
func (c *Catalog) MarkIgnored(pkg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[pkg]
	if !ok {
		return false
	}
	c.items[i].Ignore = true
	return true
}

// Reset clears the ignore flags and drops the materialised view.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.items {
		c.items[i].Ignore = false
	}
	c.displayed = nil
}

// Items returns a copy of all entries in insertion order.
func (c *Catalog) Items() []types.WorkItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneItems(c.items)
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Order sorts the catalog (checked first, larger caches first when known,
// then by label) and materialises the entries passing filter. persisted
// holds the packages the user chose to ignore permanently.
func (c *Catalog) Order(filter types.Filter, persisted map[string]bool) []types.WorkItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.SliceStable(c.items, func(i, j int) bool {
		return less(c.items[i], c.items[j])
	})
	for i, it := range c.items {
		c.index[it.Package] = i
	}

	c.displayed = c.displayed[:0]
	for _, it := range c.items {
		if it.Ignore || !passes(it, filter, persisted) {
			continue
		}
		c.displayed = append(c.displayed, it)
	}
	return cloneItems(c.displayed)
}

// Displayed returns the view materialised by the last Order call.
func (c *Catalog) Displayed() []types.WorkItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneItems(c.displayed)
}

// Selected returns the checked items of the displayed view, ready to be
// handed to a run.
func (c *Catalog) Selected() []types.WorkItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.WorkItem
	for _, it := range c.displayed {
		// checked state may have changed after Order
		i := c.index[it.Package]
		cur := c.items[i]
		if cur.Checked && !cur.Ignore {
			out = append(out, cloneItem(cur))
		}
	}
	return out
}

func less(a, b types.WorkItem) bool {
	if a.Checked != b.Checked {
		return a.Checked
	}
	ac, bc := cacheSize(a), cacheSize(b)
	if ac != bc {
		return ac > bc
	}
	return strings.ToLower(a.DisplayLabel()) < strings.ToLower(b.DisplayLabel())
}

func cacheSize(it types.WorkItem) int64 {
	if it.CacheBytes == nil {
		return 0
	}
	return *it.CacheBytes
}

func passes(it types.WorkItem, f types.Filter, persisted map[string]bool) bool {
	if f.HideDisabledApps && it.Disabled {
		return false
	}
	if f.HideIgnoredApps && persisted[it.Package] {
		return false
	}
	// unknown sizes are kept, the size is only a hint
	if f.MinCacheSize > 0 && it.CacheBytes != nil && *it.CacheBytes < f.MinCacheSize {
		return false
	}
	return true
}

func cloneItem(it types.WorkItem) types.WorkItem {
	if it.CacheBytes != nil {
		it.CacheBytes = types.Int64Ptr(*it.CacheBytes)
	}
	return it
}

func cloneItems(items []types.WorkItem) []types.WorkItem {
	out := make([]types.WorkItem, len(items))
	for i, it := range items {
		out[i] = cloneItem(it)
	}
	return out
}
