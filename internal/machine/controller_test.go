package machine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
	"github.com/KevinKickass/OpenCacheCleaner/internal/selection"
	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
	"github.com/KevinKickass/OpenCacheCleaner/internal/streaming"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

const settingsPkg = "com.android.settings"

var launcher = probe.Screen{Signal: probe.Signal{Package: "com.android.launcher3", Activity: "Launcher"}}

func screen(activity string, texts ...string) probe.Screen {
	s := probe.Screen{Signal: probe.Signal{Package: settingsPkg, Activity: activity}}
	for _, t := range texts {
		s.Nodes = append(s.Nodes, probe.ScriptedNode{Text: t, Clickable: true})
	}
	return s
}

func stockDevice(pkgs ...string) *probe.Scripted {
	d := probe.NewScripted(launcher)
	for _, p := range pkgs {
		d.On(probe.OpenAction(p), screen("AppInfoDashboard", "Force stop", "Storage & cache"))
	}
	d.On(probe.ClickAction("Storage & cache"), screen("StorageSettings", "Clear storage", "Clear cache"))
	d.On(probe.ClickAction("Clear cache"), screen("StorageSettings", "Clear storage", "Clear cache", "0 B"))
	return d
}

func fastConfig() types.RunConfig {
	return types.RunConfig{
		DelayForNextApp:         5 * time.Millisecond,
		MaxWaitApp:              300 * time.Millisecond,
		MaxWaitClearCacheButton: 200 * time.Millisecond,
		Settle:                  500 * time.Millisecond,
		ScenarioID:              "default",
		Locale:                  "en",
	}
}

func workItems(pkgs ...string) []types.WorkItem {
	out := make([]types.WorkItem, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, types.WorkItem{Package: p, Label: p, Checked: true})
	}
	return out
}

type fixture struct {
	ctrl     *Controller
	device   *probe.Scripted
	store    *storage.SQLiteClient
	streamer *streaming.EventStreamer
}

func newFixture(t *testing.T, device *probe.Scripted) *fixture {
	t.Helper()
	registry, err := scenario.NewRegistry(nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	table, err := textmatch.DefaultTable()
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewSQLiteClient(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	streamer := streaming.NewEventStreamer()
	ctrl := NewController(zap.NewNop(), registry, device,
		textmatch.NewMatcher(table, nil, language.English), store, streamer, nil)
	return &fixture{ctrl: ctrl, device: device, store: store, streamer: streamer}
}

func (f *fixture) wait(t *testing.T) *orchestrator.Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := f.ctrl.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return sum
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, stockDevice("com.a"))
	ctx := context.Background()

	cfg := fastConfig()
	cfg.MaxWaitClearCacheButton = 0
	if _, err := f.ctrl.Start(ctx, workItems("com.a"), cfg); !errors.Is(err, types.ErrInvalidRunConfig) {
		t.Fatalf("zero timeout: %v", err)
	}

	cfg = fastConfig()
	cfg.ScenarioID = "does-not-exist"
	if _, err := f.ctrl.Start(ctx, workItems("com.a"), cfg); !errors.Is(err, types.ErrInvalidRunConfig) {
		t.Fatalf("unknown scenario: %v", err)
	}

	if _, err := f.ctrl.Start(ctx, workItems("com.a", "com.a"), fastConfig()); !errors.Is(err, types.ErrInvalidRunConfig) {
		t.Fatalf("duplicate items: %v", err)
	}

	if len(f.device.Actions()) != 0 {
		t.Fatalf("rejected runs touched the device: %v", f.device.Actions())
	}
	if f.ctrl.GetStatus().Running {
		t.Fatal("no run should be active")
	}
}

func TestRunPersistsHistory(t *testing.T) {
	f := newFixture(t, stockDevice("com.a", "com.b"))
	sub := f.streamer.Subscribe(streaming.AllRuns)
	defer f.streamer.Unsubscribe(streaming.AllRuns, sub)

	id, err := f.ctrl.Start(context.Background(), workItems("com.a", "com.b"), fastConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sum := f.wait(t)
	if sum.Final != orchestrator.StateRunComplete || sum.Count(orchestrator.OutcomeDone) != 2 {
		t.Fatalf("summary = %+v", sum)
	}

	status := f.ctrl.GetStatus()
	if status.Running || status.Done != 2 || status.Total != 2 || status.RunID != id.String() {
		t.Fatalf("status = %+v", status)
	}

	ctx := context.Background()
	run, err := f.store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != string(orchestrator.StateRunComplete) || run.Done != 2 || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}
	items, err := f.store.ListRunItems(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Package != "com.a" || items[1].Package != "com.b" {
		t.Fatalf("items = %+v", items)
	}
	events, err := f.store.ListRunEvents(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Type != string(orchestrator.EventRunStarted) {
		t.Fatalf("events = %d", len(events))
	}

	select {
	case ev := <-sub:
		if ev.RunID != id {
			t.Errorf("streamed event for run %s", ev.RunID)
		}
	default:
		t.Error("no event streamed")
	}
}

func TestStartWhileActive(t *testing.T) {
	f := newFixture(t, probe.NewScripted(launcher))
	cfg := fastConfig()
	cfg.MaxWaitApp = 10 * time.Second

	if _, err := f.ctrl.Start(context.Background(), workItems("com.a"), cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.Start(context.Background(), workItems("com.b"), cfg); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second start: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.wait(t)
}

func TestPauseResumeSkip(t *testing.T) {
	f := newFixture(t, probe.NewScripted(launcher))
	cfg := fastConfig()
	cfg.MaxWaitApp = 10 * time.Second

	if err := f.ctrl.Pause(); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("pause without run: %v", err)
	}

	if _, err := f.ctrl.Start(context.Background(), workItems("com.a", "com.b"), cfg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "navigation", func() bool {
		return f.ctrl.GetStatus().State == orchestrator.StateNavigatingToTarget
	})

	if err := f.ctrl.ExecuteCommand(context.Background(), CommandPause, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pause", func() bool { return f.ctrl.GetStatus().State == orchestrator.StatePaused })
	status := f.ctrl.GetStatus()
	if status.ResumeInto != orchestrator.StateNavigatingToTarget || status.ActivePackage != "com.a" {
		t.Fatalf("paused status = %+v", status)
	}

	if err := f.ctrl.Resume(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resume", func() bool { return f.ctrl.GetStatus().State != orchestrator.StatePaused })

	if err := f.ctrl.SkipCurrent(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "skip", func() bool { return f.ctrl.GetStatus().Skipped == 1 })
	// a skip only reaches the item that is active when it is sent
	waitFor(t, "next item", func() bool { return f.ctrl.GetStatus().ActivePackage == "com.b" })
	if err := f.ctrl.SkipCurrent(); err != nil {
		t.Fatal(err)
	}

	sum := f.wait(t)
	if sum.Count(orchestrator.OutcomeSkipped) != 2 || sum.Final != orchestrator.StateRunComplete {
		t.Fatalf("summary = %+v", sum)
	}
	if err := f.ctrl.SkipCurrent(); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("skip after run: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, probe.NewScripted(launcher))
	cfg := fastConfig()
	cfg.MaxWaitApp = 10 * time.Second

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop without run: %v", err)
	}

	id, err := f.ctrl.Start(context.Background(), workItems("com.a", "com.b"), cfg)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "item start", func() bool { return f.ctrl.GetStatus().ActivePackage == "com.a" })

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.ExecuteCommand(context.Background(), CommandStop, nil); err != nil {
		t.Fatal(err)
	}

	sum := f.wait(t)
	if sum.Final != orchestrator.StateStopped || len(sum.Outcomes) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	run, err := f.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if run.State != string(orchestrator.StateStopped) {
		t.Errorf("persisted state = %s", run.State)
	}
}

func TestAnswerIgnore(t *testing.T) {
	f := newFixture(t, probe.NewScripted(launcher))
	cfg := fastConfig()
	cfg.MaxWaitApp = 50 * time.Millisecond
	cfg.Filter.ShowDialogToIgnoreApp = true

	if err := f.ctrl.AnswerIgnore("com.a", true); !errors.Is(err, ErrNoPendingPrompt) {
		t.Fatalf("answer without prompt: %v", err)
	}

	id, err := f.ctrl.Start(context.Background(), workItems("com.a"), cfg)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "prompt", func() bool {
		p := f.ctrl.GetStatus().PendingPrompts
		return len(p) == 1 && p[0] == "com.a"
	})

	err = f.ctrl.ExecuteCommand(context.Background(), CommandIgnore, map[string]interface{}{
		"package": "com.a",
		"ignore":  true,
	})
	if err != nil {
		t.Fatalf("ignore command: %v", err)
	}

	sum := f.wait(t)
	if len(sum.Outcomes) != 1 || !sum.Outcomes[0].Ignored {
		t.Fatalf("outcomes = %+v", sum.Outcomes)
	}

	ctx := context.Background()
	set, err := f.store.IgnoredSet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !set["com.a"] {
		t.Fatal("accepted prompt was not persisted")
	}
	items, err := f.store.ListRunItems(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || !items[0].Ignored || items[0].Reason != string(orchestrator.FailureTargetUnreachable) {
		t.Fatalf("items = %+v", items)
	}
}

func TestIgnoreCommandValidatesArgs(t *testing.T) {
	f := newFixture(t, probe.NewScripted(launcher))
	ctx := context.Background()

	if err := f.ctrl.ExecuteCommand(ctx, CommandIgnore, map[string]interface{}{"ignore": true}); err == nil {
		t.Error("missing package accepted")
	}
	if err := f.ctrl.ExecuteCommand(ctx, CommandIgnore, map[string]interface{}{"package": "com.a"}); err == nil {
		t.Error("missing flag accepted")
	}
	if err := f.ctrl.ExecuteCommand(ctx, Command("reboot"), nil); err == nil {
		t.Error("unknown command accepted")
	}
}

type staticPackages []types.WorkItem

func (s staticPackages) Packages(context.Context) ([]types.WorkItem, error) {
	out := make([]types.WorkItem, len(s))
	copy(out, s)
	return out, nil
}

func TestStartSelectedFromCatalog(t *testing.T) {
	f := newFixture(t, stockDevice("com.a", "com.b", "com.c"))
	catalog := selection.NewCatalog()
	f.ctrl.SetCatalog(catalog, staticPackages{
		{Package: "com.a", Label: "Alpha", CacheBytes: types.Int64Ptr(10)},
		{Package: "com.b", Label: "Beta", CacheBytes: types.Int64Ptr(500)},
		{Package: "com.c", Label: "Gamma", CacheBytes: types.Int64Ptr(50)},
	})

	ctx := context.Background()
	n, err := f.ctrl.RefreshCatalog(ctx, "en")
	if err != nil || n != 3 {
		t.Fatalf("RefreshCatalog = %d, %v", n, err)
	}

	if err := f.store.SavePackageList(ctx, "daily", []string{"com.a", "com.b", "com.gone"}); err != nil {
		t.Fatal(err)
	}
	missing, err := f.ctrl.ApplyPackageList(ctx, "daily")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "com.gone" {
		t.Fatalf("missing = %v", missing)
	}

	if _, err := f.ctrl.StartSelected(ctx, fastConfig()); err != nil {
		t.Fatalf("StartSelected: %v", err)
	}
	sum := f.wait(t)

	// largest cache first
	if len(sum.Outcomes) != 2 || sum.Outcomes[0].Package != "com.b" || sum.Outcomes[1].Package != "com.a" {
		t.Fatalf("outcomes = %+v", sum.Outcomes)
	}
}

func TestCatalogResetAfterRun(t *testing.T) {
	f := newFixture(t, probe.NewScripted(launcher))
	catalog := selection.NewCatalog()
	f.ctrl.SetCatalog(catalog, staticPackages{
		{Package: "com.a", Label: "Alpha"},
		{Package: "com.b", Label: "Beta"},
	})
	ctx := context.Background()
	if _, err := f.ctrl.RefreshCatalog(ctx, "en"); err != nil {
		t.Fatal(err)
	}
	catalog.SetChecked("com.a", true)
	catalog.SetChecked("com.b", true)
	catalog.MarkIgnored("com.b")

	cfg := fastConfig()
	cfg.MaxWaitApp = 30 * time.Millisecond
	if _, err := f.ctrl.StartSelected(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	sum := f.wait(t)
	if len(sum.Outcomes) != 1 || sum.Outcomes[0].Package != "com.a" {
		t.Fatalf("outcomes = %+v", sum.Outcomes)
	}

	for _, it := range catalog.Items() {
		if it.Ignore {
			t.Fatalf("ignore flag survived the run: %+v", it)
		}
	}
}

// slowFinishStore holds the first FinishRun until release is closed.
type slowFinishStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowFinishStore) FinishRun(ctx context.Context, run *storage.Run) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	}
	return s.Store.FinishRun(ctx, run)
}

func TestNextRunStartsWithCleanCatalog(t *testing.T) {
	f := newFixture(t, stockDevice("com.a"))
	slow := &slowFinishStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	f.ctrl.store = slow
	released := false
	defer func() {
		if !released {
			close(slow.release)
		}
	}()

	catalog := selection.NewCatalog()
	f.ctrl.SetCatalog(catalog, staticPackages{
		{Package: "com.a", Label: "Alpha"},
		{Package: "com.b", Label: "Beta"},
	})
	ctx := context.Background()
	if _, err := f.ctrl.RefreshCatalog(ctx, "en"); err != nil {
		t.Fatal(err)
	}

	// com.b never opens and is ignored for the rest of run 1
	cfg := fastConfig()
	cfg.MaxWaitApp = 50 * time.Millisecond
	if _, err := f.ctrl.Start(ctx, workItems("com.b"), cfg); err != nil {
		t.Fatal(err)
	}
	select {
	case <-slow.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("run 1 never reached FinishRun")
	}

	catalog.SetChecked("com.a", true)
	catalog.SetChecked("com.b", true)
	if _, err := f.ctrl.StartSelected(ctx, cfg); err != nil {
		t.Fatalf("StartSelected: %v", err)
	}
	close(slow.release)
	released = true

	sum := f.wait(t)
	if len(sum.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", sum.Outcomes)
	}
	got := map[string]bool{}
	for _, o := range sum.Outcomes {
		got[o.Package] = true
	}
	if !got["com.a"] || !got["com.b"] {
		t.Fatalf("outcomes = %+v", sum.Outcomes)
	}
}

// stuckOpenDevice blocks OpenAppInfo until release is closed, so the worker
// reads no commands.
type stuckOpenDevice struct {
	*probe.Scripted
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *stuckOpenDevice) OpenAppInfo(ctx context.Context, pkg string) error {
	d.once.Do(func() { close(d.entered) })
	select {
	case <-d.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.Scripted.OpenAppInfo(ctx, pkg)
}

func TestCommandDropSurfaces(t *testing.T) {
	f := newFixture(t, stockDevice("com.a"))
	dev := &stuckOpenDevice{Scripted: f.device, entered: make(chan struct{}), release: make(chan struct{})}
	f.ctrl.device = dev

	if _, err := f.ctrl.Start(context.Background(), workItems("com.a"), fastConfig()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-dev.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never opened app info")
	}

	var dropped error
	for i := 0; i < 64 && dropped == nil; i++ {
		dropped = f.ctrl.Pause()
	}
	if !errors.Is(dropped, orchestrator.ErrCommandDropped) {
		t.Fatalf("Pause on full queue: %v", dropped)
	}
	if err := f.ctrl.SkipCurrent(); !errors.Is(err, orchestrator.ErrCommandDropped) {
		t.Fatalf("SkipCurrent on full queue: %v", err)
	}
	if err := f.ctrl.ExecuteCommand(context.Background(), CommandPause, nil); !errors.Is(err, orchestrator.ErrCommandDropped) {
		t.Fatalf("pause command on full queue: %v", err)
	}

	close(dev.release)
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.wait(t)
}
