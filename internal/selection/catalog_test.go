package selection

import (
	"testing"

	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

func seed() *Catalog {
	c := NewCatalog()
	c.AddItem(types.WorkItem{Package: "com.b", Label: "Bravo", CacheBytes: types.Int64Ptr(100)})
	c.AddItem(types.WorkItem{Package: "com.a", Label: "alpha", CacheBytes: types.Int64Ptr(100), Checked: true})
	c.AddItem(types.WorkItem{Package: "com.c", Label: "Charlie", CacheBytes: types.Int64Ptr(5000)})
	c.AddItem(types.WorkItem{Package: "com.d", Label: "Delta"})
	c.AddItem(types.WorkItem{Package: "com.e", Label: "Echo", Disabled: true, Checked: true})
	return c
}

func packages(items []types.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Package
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOrder(t *testing.T) {
	c := seed()
	got := packages(c.Order(types.Filter{}, nil))
	want := []string{"com.a", "com.e", "com.c", "com.b", "com.d"}
	if !equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestFilters(t *testing.T) {
	tests := []struct {
		name      string
		filter    types.Filter
		persisted map[string]bool
		want      []string
	}{
		{"hide disabled", types.Filter{HideDisabledApps: true}, nil, []string{"com.a", "com.c", "com.b", "com.d"}},
		{"min cache keeps unknown", types.Filter{MinCacheSize: 1000}, nil, []string{"com.e", "com.c", "com.d"}},
		{"hide persisted ignored", types.Filter{HideIgnoredApps: true}, map[string]bool{"com.c": true}, []string{"com.a", "com.e", "com.b", "com.d"}},
		{"persisted shown when not hidden", types.Filter{}, map[string]bool{"com.c": true}, []string{"com.a", "com.e", "com.c", "com.b", "com.d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := packages(seed().Order(tt.filter, tt.persisted))
			if !equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectedAndReset(t *testing.T) {
	c := seed()
	c.MarkIgnored("com.e")
	c.Order(types.Filter{}, nil)

	if got := packages(c.Selected()); !equal(got, []string{"com.a"}) {
		t.Errorf("selected = %v", got)
	}

	c.SetChecked("com.c", true)
	if got := packages(c.Selected()); !equal(got, []string{"com.a", "com.c"}) {
		t.Errorf("selected after check = %v", got)
	}

	c.Reset()
	if len(c.Displayed()) != 0 {
		t.Error("reset must drop the displayed view")
	}
	for _, it := range c.Items() {
		if it.Ignore {
			t.Errorf("%s still ignored after reset", it.Package)
		}
	}
}

func TestUpdateLabelAndStats(t *testing.T) {
	c := seed()
	if c.IsSameLabelLocale("com.a", "de") {
		t.Error("empty locale should not match de")
	}
	if !c.UpdateLabel("com.a", "Alpha", "de-DE") {
		t.Fatal("UpdateLabel on known package failed")
	}
	if !c.IsSameLabelLocale("com.a", "de-de") {
		t.Error("locale comparison should be case-insensitive")
	}
	if c.UpdateLabel("com.zzz", "x", "en") || c.IsSameLabelLocale("com.zzz", "en") {
		t.Error("unknown package must not be updated")
	}

	c.UpdateStats("com.d", types.Int64Ptr(9000))
	got := packages(c.Order(types.Filter{}, nil))
	if got[2] != "com.d" {
		t.Errorf("order after stats = %v", got)
	}

	// the returned copies do not alias catalog state
	items := c.Items()
	*items[0].CacheBytes = 1
	if *c.Items()[0].CacheBytes == 1 {
		t.Error("Items leaked internal pointer")
	}
}

func TestAddItemKeepsChecked(t *testing.T) {
	c := seed()
	c.AddItem(types.WorkItem{Package: "com.a", Label: "Alpha v2"})
	if c.Len() != 5 {
		t.Errorf("len = %d", c.Len())
	}
	for _, it := range c.Items() {
		if it.Package == "com.a" && (!it.Checked || it.Label != "Alpha v2") {
			t.Errorf("com.a = %+v", it)
		}
	}
}

func TestCheckOnly(t *testing.T) {
	c := seed()
	missing := c.CheckOnly([]string{"com.b", "com.x"})
	if !equal(missing, []string{"com.x"}) {
		t.Errorf("missing = %v", missing)
	}
	c.Order(types.Filter{}, nil)
	if got := packages(c.Selected()); !equal(got, []string{"com.b"}) {
		t.Errorf("selected = %v", got)
	}
}
