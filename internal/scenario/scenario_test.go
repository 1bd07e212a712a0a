package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
)

func TestBuiltinsLoad(t *testing.T) {
	r, err := NewRegistry(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, id := range []string{"default", "legacy", "xiaomi_miui"} {
		sc, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if _, ok := sc.ClearStage(); !ok {
			t.Errorf("%s has no clear stage", id)
		}
		if len(sc.Navigation()) == 0 {
			t.Errorf("%s has no navigation", id)
		}
	}

	if _, err := r.Get("nokia"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDefaultScenarioShape(t *testing.T) {
	r, err := NewRegistry(nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sc, _ := r.Get("default")

	nav := sc.Navigation()
	if nav[0].Action != ActionOpenAppInfo || nav[1].Purpose != textmatch.PurposeStorage {
		t.Errorf("unexpected navigation %+v", nav)
	}
	after := sc.AfterClear()
	if len(after) != 1 || after[0].Action != ActionBack || after[0].Count != 2 {
		t.Errorf("unexpected return stages %+v", after)
	}
	if got := nav[0].EffectiveTimeoutKey(); got != TimeoutMaxWaitApp {
		t.Errorf("open timeout key = %s", got)
	}
	clear, _ := sc.ClearStage()
	if got := clear.EffectiveTimeoutKey(); got != TimeoutMaxWaitClearCache {
		t.Errorf("clear timeout key = %s", got)
	}

	if !sc.ErrorSignals[0].MatchesSignal(probe.Signal{Activity: "Application Error: com.example"}) {
		t.Error("crash dialog not recognised")
	}
	if sc.ErrorSignals[0].MatchesSignal(probe.Signal{Package: "com.android.settings", Activity: "SubSettings"}) {
		t.Error("settings screen treated as error")
	}
}

func TestSearchPathOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	doc := `{
  "id": "default",
  "name": "Custom default",
  "version": "2",
  "stages": [
    {"name": "open", "action": "open_app_info", "expect": {"activity": "AppInfo"}, "timeout": "5s"},
    {"name": "clear", "action": "clear_cache", "purpose": "clear_cache"}
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, "default.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: broken\nname: x\nstages: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry([]string{dir, filepath.Join(dir, "missing")}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sc, err := r.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Name != "Custom default" || sc.Source == "" {
		t.Errorf("override not applied: %+v", sc)
	}
	if sc.Stages[0].Timeout.Duration != 5*time.Second {
		t.Errorf("timeout = %v", sc.Stages[0].Timeout)
	}
	if _, err := r.Get("broken"); err == nil {
		t.Error("invalid scenario was registered")
	}
}

func TestValidateRules(t *testing.T) {
	open := Stage{Name: "open", Action: ActionOpenAppInfo, Expect: &SignalMatch{Package: "p"}}
	clear := Stage{Name: "clear", Action: ActionClearCache, Purpose: textmatch.PurposeClearCache}

	tests := []struct {
		name   string
		stages []Stage
		code   string
	}{
		{"valid", []Stage{open, clear}, ""},
		{"empty", nil, "SCENARIO_004"},
		{"no clear stage", []Stage{open}, "SCENARIO_010"},
		{"two clear stages", []Stage{open, clear, clear}, "SCENARIO_011"},
		{"clear before open", []Stage{clear}, "SCENARIO_012"},
		{"navigation after clear", []Stage{open, clear, open}, "SCENARIO_013"},
		{"confirm before clear", []Stage{open, {Name: "ok", Action: ActionConfirm, Purpose: textmatch.PurposeOK}, clear}, "SCENARIO_014"},
		{"click without purpose", []Stage{open, {Name: "c", Action: ActionClick, Expect: &SignalMatch{Package: "p"}}, clear}, "SCENARIO_020"},
		{"navigation without expect", []Stage{{Name: "open", Action: ActionOpenAppInfo}, clear}, "SCENARIO_022"},
		{"bad regexp", []Stage{{Name: "open", Action: ActionOpenAppInfo, Expect: &SignalMatch{Activity: "("}}, clear}, "SCENARIO_023"},
		{"bad timeout key", []Stage{open, {Name: "clear", Action: ActionClearCache, Purpose: textmatch.PurposeClearCache, TimeoutKey: "forever"}}, "SCENARIO_024"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Validate(&Scenario{ID: "x", Name: "x", Version: "1", Stages: tt.stages})
			if tt.code == "" {
				if !rep.Valid {
					t.Fatalf("unexpected errors: %+v", rep.Errors)
				}
				return
			}
			if rep.Valid {
				t.Fatalf("expected %s", tt.code)
			}
			found := false
			for _, i := range rep.Errors {
				if i.Code == tt.code {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in %+v", tt.code, rep.Errors)
			}
		})
	}
}

func TestSchemaRejectsUnknownAction(t *testing.T) {
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatal(err)
	}
	doc := []byte("id: x\nname: x\nstages:\n  - name: a\n    action: uninstall\n")
	if err := v.Validate(doc); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestNumericTimeoutIsSeconds(t *testing.T) {
	dir := t.TempDir()
	doc := "id: slow\nname: Slow device\nversion: \"1\"\nstages:\n" +
		"  - name: open\n    action: open_app_info\n    expect:\n      purpose: storage\n    timeout: 5\n" +
		"  - name: clear\n    action: clear_cache\n    purpose: clear_cache\n    timeout: 1.5\n"
	if err := os.WriteFile(filepath.Join(dir, "slow.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	jsonDoc := `{"id": "slow_json", "name": "Slow device", "version": "1", "stages": [
  {"name": "open", "action": "open_app_info", "expect": {"purpose": "storage"}, "timeout": 5},
  {"name": "clear", "action": "clear_cache", "purpose": "clear_cache"}
]}`
	if err := os.WriteFile(filepath.Join(dir, "slow_json.json"), []byte(jsonDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry([]string{dir}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sc, err := r.Get("slow")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Stages[0].Timeout.Duration != 5*time.Second {
		t.Errorf("yaml timeout = %v", sc.Stages[0].Timeout)
	}
	if sc.Stages[1].Timeout.Duration != 1500*time.Millisecond {
		t.Errorf("yaml fractional timeout = %v", sc.Stages[1].Timeout)
	}
	sc, err = r.Get("slow_json")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Stages[0].Timeout.Duration != 5*time.Second {
		t.Errorf("json timeout = %v", sc.Stages[0].Timeout)
	}

	sc, err = r.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sc.Stages[0].Timeout.Duration != 5*time.Second {
		t.Errorf("parsed timeout = %v", sc.Stages[0].Timeout)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry([]string{dir}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan struct{}, 4)
	w := NewWatcher(r, zap.NewNop())
	w.OnReload = func() { reloaded <- struct{}{} }
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	doc := "id: samsung\nname: One UI\nversion: \"1\"\nstages:\n" +
		"  - name: open\n    action: open_app_info\n    expect:\n      purpose: storage\n" +
		"  - name: clear\n    action: clear_cache\n    purpose: clear_cache\n"
	if err := os.WriteFile(filepath.Join(dir, "samsung.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("registry not reloaded")
	}
	if _, err := r.Get("samsung"); err != nil {
		t.Fatalf("new scenario missing: %v", err)
	}
}
