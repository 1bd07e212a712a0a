package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

const settingsPkg = "com.android.settings"

var launcher = probe.Screen{Signal: probe.Signal{Package: "com.android.launcher3", Activity: "Launcher"}}

func screen(pkg, activity string, texts ...string) probe.Screen {
	s := probe.Screen{Signal: probe.Signal{Package: pkg, Activity: activity}}
	for _, t := range texts {
		s.Nodes = append(s.Nodes, probe.ScriptedNode{Text: t, Clickable: true})
	}
	return s
}

// stockDevice serves the stock Android flow for every package in pkgs.
func stockDevice(pkgs ...string) *probe.Scripted {
	d := probe.NewScripted(launcher)
	for _, p := range pkgs {
		d.On(probe.OpenAction(p), screen(settingsPkg, "AppInfoDashboard", "Force stop", "Storage & cache"))
	}
	d.On(probe.ClickAction("Storage & cache"), screen(settingsPkg, "StorageSettings", "Clear storage", "Clear cache"))
	d.On(probe.ClickAction("Clear cache"), screen(settingsPkg, "StorageSettings", "Clear storage", "Clear cache", "0 B"))
	return d
}

func matcher(t *testing.T) *textmatch.Matcher {
	t.Helper()
	table, err := textmatch.DefaultTable()
	if err != nil {
		t.Fatal(err)
	}
	return textmatch.NewMatcher(table, nil, language.English)
}

func builtin(t *testing.T, id string) *scenario.Scenario {
	t.Helper()
	r, err := scenario.NewRegistry(nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sc, err := r.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

func fastConfig() types.RunConfig {
	return types.RunConfig{
		DelayForNextApp:         5 * time.Millisecond,
		MaxWaitApp:              300 * time.Millisecond,
		MaxWaitClearCacheButton: 200 * time.Millisecond,
		Settle:                  50 * time.Millisecond,
		ScenarioID:              "default",
		Locale:                  "en",
	}
}

func items(pkgs ...string) []types.WorkItem {
	out := make([]types.WorkItem, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, types.WorkItem{Package: p, Label: p, Checked: true})
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		if e.Type != EventStateChanged {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recorder) has(t EventType) bool {
	for _, et := range r.types() {
		if et == t {
			return true
		}
	}
	return false
}

type confirmer struct {
	answer bool
	asked  []string
}

func (c *confirmer) ConfirmIgnore(_ context.Context, item types.WorkItem, _ FailureKind) (bool, error) {
	c.asked = append(c.asked, item.Package)
	return c.answer, nil
}

type ignoreStore struct{ pkgs []string }

func (s *ignoreStore) AddIgnoredApp(_ context.Context, pkg string) error {
	s.pkgs = append(s.pkgs, pkg)
	return nil
}

func newRun(t *testing.T, list []types.WorkItem, cfg types.RunConfig, sc *scenario.Scenario, opts Options) *Orchestrator {
	t.Helper()
	if opts.Matcher == nil {
		opts.Matcher = matcher(t)
	}
	opts.Logger = zap.NewNop()
	o, err := New(uuid.New(), list, cfg, sc, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func outcomes(sum Summary) []string {
	out := make([]string, len(sum.Outcomes))
	for i, o := range sum.Outcomes {
		out[i] = o.String()
	}
	return out
}

func assertOutcomes(t *testing.T, sum Summary, want ...string) {
	t.Helper()
	got := outcomes(sum)
	if len(got) != len(want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", got, want)
		}
	}
}

func TestTwoItemsWithCloseApp(t *testing.T) {
	device := stockDevice("com.a", "com.b")
	rec := &recorder{}
	cfg := fastConfig()
	cfg.AfterClearingCacheCloseApp = true

	o := newRun(t, items("com.a", "com.b"), cfg, builtin(t, "default"), Options{Device: device, Sink: rec})
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	assertOutcomes(t, sum, "done", "done")
	if sum.Final != StateRunComplete {
		t.Fatalf("final = %s", sum.Final)
	}

	actions := device.Actions()
	openB, firstClose, closes := -1, -1, 0
	for i, a := range actions {
		switch a {
		case probe.ActionCloseApp:
			closes++
			if firstClose < 0 {
				firstClose = i
			}
		case probe.OpenAction("com.b"):
			openB = i
		}
	}
	if openB < 0 || firstClose < 0 || firstClose > openB {
		t.Fatalf("close-app must precede navigation for com.b: %v", actions)
	}
	between := 0
	for _, a := range actions[:openB] {
		if a == probe.ActionCloseApp {
			between++
		}
	}
	if between != 1 || closes != 2 {
		t.Fatalf("close-app issued %d times before com.b, %d total: %v", between, closes, actions)
	}
	for _, pkg := range device.ClosedApps() {
		if pkg != settingsPkg {
			t.Fatalf("closed %q, want the app info package %q", pkg, settingsPkg)
		}
	}

	// done is recorded before the post action
	var seq []EventType
	for _, et := range rec.types() {
		if et == EventItemDone || et == EventPostAction || et == EventItemStarted {
			seq = append(seq, et)
		}
	}
	want := []EventType{EventItemStarted, EventItemDone, EventPostAction, EventItemStarted, EventItemDone, EventPostAction}
	if len(seq) != len(want) {
		t.Fatalf("events = %v", seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("events = %v, want %v", seq, want)
		}
	}
}

func TestRunTerminatesWithoutSuccessSignal(t *testing.T) {
	device := probe.NewScripted(launcher)
	cfg := fastConfig()
	cfg.MaxWaitApp = 100 * time.Millisecond

	o := newRun(t, items("com.a", "com.b"), cfg, builtin(t, "default"), Options{Device: device})

	start := time.Now()
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run took %v", elapsed)
	}

	assertOutcomes(t, sum, "failed:target_unreachable", "failed:target_unreachable")
	for _, it := range sum.Items {
		if !it.Ignore {
			t.Errorf("%s not ignored after failure", it.Package)
		}
	}
}

func TestIgnoreIsMonotonic(t *testing.T) {
	device := stockDevice("com.b")
	list := items("com.a", "com.b", "com.c")
	list[2].Ignore = true

	rec := &recorder{}
	o := newRun(t, list, fastConfig(), builtin(t, "default"), Options{Device: device, Sink: rec})
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// com.c was ignored before the run and is never visited
	assertOutcomes(t, sum, "failed:target_unreachable", "done")
	for _, a := range device.Actions() {
		if a == probe.OpenAction("com.c") {
			t.Fatal("ignored item was processed")
		}
	}
	if !sum.Items[0].Ignore || sum.Items[1].Ignore || !sum.Items[2].Ignore {
		t.Fatalf("ignore flags = %+v", sum.Items)
	}
	// the caller's slice is untouched
	if list[0].Ignore {
		t.Fatal("input items were mutated")
	}
}

func TestIgnorePromptPersists(t *testing.T) {
	sc := &scenario.Scenario{
		ID: "flat", Name: "flat", Version: "1",
		Stages: []scenario.Stage{
			{Name: "open", Action: scenario.ActionOpenAppInfo, Expect: &scenario.SignalMatch{Package: settingsPkg}},
			{Name: "clear", Action: scenario.ActionClearCache, Purpose: textmatch.PurposeClearCache},
		},
	}
	device := probe.NewScripted(launcher).
		On(probe.OpenAction("com.a"), screen(settingsPkg, "AppInfo", "Force stop"))

	cfg := fastConfig()
	cfg.ScenarioID = "flat"
	cfg.Filter.ShowDialogToIgnoreApp = true

	c := &confirmer{answer: true}
	store := &ignoreStore{}
	rec := &recorder{}
	o := newRun(t, items("com.a"), cfg, sc, Options{Device: device, Confirmer: c, Ignored: store, Sink: rec})
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	assertOutcomes(t, sum, "failed:control_not_found")
	if len(c.asked) != 1 || c.asked[0] != "com.a" {
		t.Fatalf("confirmer asked %v", c.asked)
	}
	if len(store.pkgs) != 1 || store.pkgs[0] != "com.a" {
		t.Fatalf("persisted %v", store.pkgs)
	}
	if !sum.Outcomes[0].Ignored || !rec.has(EventIgnoreRequested) {
		t.Fatal("ignore not reported")
	}
}

func TestIgnorePromptDeclined(t *testing.T) {
	device := probe.NewScripted(launcher)
	cfg := fastConfig()
	cfg.MaxWaitApp = 50 * time.Millisecond
	cfg.Filter.ShowDialogToIgnoreApp = true

	c := &confirmer{answer: false}
	store := &ignoreStore{}
	o := newRun(t, items("com.a"), cfg, builtin(t, "default"), Options{Device: device, Confirmer: c, Ignored: store})
	sum, _ := o.Run(context.Background())

	if sum.Items[0].Ignore || len(store.pkgs) != 0 {
		t.Fatal("declined prompt must not ignore the item")
	}
}

func TestZeroClearCacheTimeoutRejected(t *testing.T) {
	device := stockDevice("com.a")
	cfg := fastConfig()
	cfg.MaxWaitClearCacheButton = 0

	_, err := New(uuid.New(), items("com.a"), cfg, builtin(t, "default"), Options{Device: device, Matcher: matcher(t)})
	if !errors.Is(err, types.ErrInvalidRunConfig) {
		t.Fatalf("expected ErrInvalidRunConfig, got %v", err)
	}
	if len(device.Actions()) != 0 {
		t.Fatal("device touched before validation")
	}
}

func TestRejectsDuplicatesAndEmptyScenario(t *testing.T) {
	device := stockDevice()
	m := matcher(t)
	if _, err := New(uuid.New(), items("com.a", "com.a"), fastConfig(), builtin(t, "default"), Options{Device: device, Matcher: m}); err == nil {
		t.Fatal("duplicate identities accepted")
	}
	empty := &scenario.Scenario{ID: "empty", Name: "empty"}
	if _, err := New(uuid.New(), items("com.a"), fastConfig(), empty, Options{Device: device, Matcher: m}); !errors.Is(err, types.ErrInvalidRunConfig) {
		t.Fatalf("empty scenario accepted: %v", err)
	}
}

func TestScenarioSubstitution(t *testing.T) {
	legacyDevice := probe.NewScripted(launcher).
		On(probe.OpenAction("com.a"), screen(settingsPkg, "InstalledAppDetails", "Force stop", "Clear data", "Clear cache")).
		On(probe.ClickAction("Clear cache"), screen(settingsPkg, "InstalledAppDetails", "Force stop", "Clear data", "Clear cache", "0 B"))

	cfg := fastConfig()
	runs := []struct {
		id     string
		device *probe.Scripted
	}{
		{"default", stockDevice("com.a")},
		{"legacy", legacyDevice},
	}

	for _, r := range runs {
		cfg.ScenarioID = r.id
		o := newRun(t, items("com.a"), cfg, builtin(t, r.id), Options{Device: r.device})
		sum, err := o.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		assertOutcomes(t, sum, "done")

		clicked := false
		for _, a := range r.device.Actions() {
			if a == probe.ClickAction("Clear cache") {
				clicked = true
			}
		}
		if !clicked {
			t.Errorf("%s: clear cache label not used: %v", r.id, r.device.Actions())
		}
	}
}

func TestRegionLocaleUsesBaselineLabels(t *testing.T) {
	device := stockDevice("com.a")
	list := items("com.a")
	list[0].Locale = "pt-BR"

	o := newRun(t, list, fastConfig(), builtin(t, "default"), Options{Device: device})
	sum, _ := o.Run(context.Background())
	assertOutcomes(t, sum, "done")
}

func TestXiaomiConfirmDialog(t *testing.T) {
	miui := "com.miui.securitycenter"
	device := probe.NewScripted(launcher).
		On(probe.OpenAction("com.a"), screen(miui, "AppDetailsActivity", "Force stop", "Clear data")).
		On(probe.ClickAction("Clear data"), screen(miui, "AppDetailsActivity", "Clear all data", "Clear cache", "Cancel")).
		On(probe.ClickAction("Clear cache"), screen(miui, "AppDetailsActivity", "Cancel", "OK")).
		On(probe.ClickAction("OK"), screen(miui, "AppDetailsActivity", "Force stop", "Clear data"))

	cfg := fastConfig()
	cfg.ScenarioID = "xiaomi_miui"
	o := newRun(t, items("com.a"), cfg, builtin(t, "xiaomi_miui"), Options{Device: device})
	sum, _ := o.Run(context.Background())
	assertOutcomes(t, sum, "done")

	want := []string{"open:com.a", "click:Clear data", "click:Clear cache", "click:OK", "back"}
	got := device.Actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("actions = %v, want %v", got, want)
		}
	}
}

func TestClickRejectedIsReevaluatedOnce(t *testing.T) {
	device := stockDevice("com.a")
	device.RejectClicks(1)

	o := newRun(t, items("com.a"), fastConfig(), builtin(t, "default"), Options{Device: device})
	sum, _ := o.Run(context.Background())
	assertOutcomes(t, sum, "done")
}

func TestPersistentClickRejection(t *testing.T) {
	device := stockDevice("com.a")
	device.RejectClicks(1000)

	o := newRun(t, items("com.a"), fastConfig(), builtin(t, "default"), Options{Device: device})
	sum, _ := o.Run(context.Background())
	assertOutcomes(t, sum, "failed:click_rejected")
}

func TestUnexpectedDialog(t *testing.T) {
	device := stockDevice("com.a")
	device.On(probe.ClickAction("Clear cache"), screen("android", "Application Error: com.a", "Close app"))

	o := newRun(t, items("com.a"), fastConfig(), builtin(t, "default"), Options{Device: device})
	sum, _ := o.Run(context.Background())
	assertOutcomes(t, sum, "failed:unexpected_dialog")
	if sum.Items[0].Ignore {
		t.Fatal("unexpected dialog must not trigger the ignore policy")
	}
}

func TestOpenFailureIsTargetUnreachable(t *testing.T) {
	device := stockDevice("com.b")
	device.FailOpen("com.a", errors.New("activity not found"))

	o := newRun(t, items("com.a", "com.b"), fastConfig(), builtin(t, "default"), Options{Device: device})
	sum, _ := o.Run(context.Background())
	assertOutcomes(t, sum, "failed:target_unreachable", "done")
}

func TestNoChangeAfterClickStillDone(t *testing.T) {
	// clicking clear cache leaves the screen as it was
	device := probe.NewScripted(launcher).
		On(probe.OpenAction("com.a"), screen(settingsPkg, "AppInfoDashboard", "Storage & cache")).
		On(probe.ClickAction("Storage & cache"), screen(settingsPkg, "StorageSettings", "Clear cache"))

	o := newRun(t, items("com.a"), fastConfig(), builtin(t, "default"), Options{Device: device})
	sum, _ := o.Run(context.Background())
	assertOutcomes(t, sum, "done")
}

func TestPauseFreezesTimeout(t *testing.T) {
	device := probe.NewScripted(launcher)
	cfg := fastConfig()
	cfg.MaxWaitApp = 150 * time.Millisecond

	rec := &recorder{}
	o := newRun(t, items("com.a"), cfg, builtin(t, "default"), Options{Device: device, Sink: rec})

	done := make(chan Summary, 1)
	go func() {
		sum, _ := o.Run(context.Background())
		done <- sum
	}()

	time.Sleep(40 * time.Millisecond)
	o.Pause()

	select {
	case <-done:
		t.Fatal("run finished while paused")
	case <-time.After(400 * time.Millisecond):
	}

	current, resumeInto, active := o.State()
	if current != StatePaused || resumeInto != StateNavigatingToTarget || active != "com.a" {
		t.Fatalf("state = %s/%s/%s", current, resumeInto, active)
	}

	o.Resume()
	select {
	case sum := <-done:
		assertOutcomes(t, sum, "failed:target_unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	if !rec.has(EventRunPaused) || !rec.has(EventRunResumed) {
		t.Fatalf("pause events missing: %v", rec.types())
	}
}

func TestSkipCurrent(t *testing.T) {
	device := probe.NewScripted(launcher)
	cfg := fastConfig()
	cfg.MaxWaitApp = 10 * time.Second

	o := newRun(t, items("com.a"), cfg, builtin(t, "default"), Options{Device: device})
	go func() {
		time.Sleep(50 * time.Millisecond)
		o.Skip()
	}()

	start := time.Now()
	sum, _ := o.Run(context.Background())
	if time.Since(start) > 2*time.Second {
		t.Fatal("skip did not interrupt the wait")
	}
	assertOutcomes(t, sum, "skipped")
	if sum.Items[0].Ignore {
		t.Fatal("skipped item must not be ignored")
	}
}

func TestStopReleasesWait(t *testing.T) {
	device := probe.NewScripted(launcher)
	cfg := fastConfig()
	cfg.MaxWaitApp = 10 * time.Second

	rec := &recorder{}
	o := newRun(t, items("com.a", "com.b"), cfg, builtin(t, "default"), Options{Device: device, Sink: rec})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		cancel()
	}()

	sum, err := o.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Final != StateStopped {
		t.Fatalf("final = %s", sum.Final)
	}
	if len(sum.Outcomes) != 0 {
		t.Fatalf("in-flight item must not record an outcome: %v", outcomes(sum))
	}
	if rec.has(EventItemDone) || !rec.has(EventRunStopped) {
		t.Fatalf("events = %v", rec.types())
	}
	if _, err := o.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Run: %v", err)
	}
}

func TestStopServiceAfterRun(t *testing.T) {
	device := stockDevice("com.a")
	cfg := fastConfig()
	cfg.AfterClearingCacheStopService = true

	o := newRun(t, items("com.a"), cfg, builtin(t, "default"), Options{Device: device})
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	actions := device.Actions()
	if actions[len(actions)-1] != probe.ActionStopService {
		t.Fatalf("actions = %v", actions)
	}
}

// heldConfirmer keeps the prompt open until it is withdrawn, then answers no.
type heldConfirmer struct{ asked chan string }

func (c *heldConfirmer) ConfirmIgnore(ctx context.Context, item types.WorkItem, _ FailureKind) (bool, error) {
	c.asked <- item.Package
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	return false, nil
}

func TestSkipDuringIgnorePromptDeclinesIt(t *testing.T) {
	device := stockDevice("com.b")
	cfg := fastConfig()
	cfg.Filter.ShowDialogToIgnoreApp = true

	c := &heldConfirmer{asked: make(chan string, 1)}
	store := &ignoreStore{}
	o := newRun(t, items("com.a", "com.b"), cfg, builtin(t, "default"), Options{Device: device, Confirmer: c, Ignored: store})

	skipErr := make(chan error, 1)
	go func() {
		<-c.asked
		skipErr <- o.Skip()
	}()

	start := time.Now()
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 1500*time.Millisecond {
		t.Fatal("skip did not withdraw the prompt")
	}
	if err := <-skipErr; err != nil {
		t.Fatalf("Skip: %v", err)
	}
	assertOutcomes(t, sum, "failed:target_unreachable", "done")
	if sum.Items[0].Ignore || len(store.pkgs) != 0 {
		t.Fatal("withdrawn prompt must not ignore the item")
	}
}

func TestSkipBetweenItemsIsDiscarded(t *testing.T) {
	device := stockDevice("com.a", "com.b")

	var o *Orchestrator
	skipErr := make(chan error, 1)
	sink := SinkFunc(func(e Event) {
		if e.Type == EventItemDone && e.Package == "com.a" {
			skipErr <- o.Skip()
		}
	})
	o = newRun(t, items("com.a", "com.b"), fastConfig(), builtin(t, "default"), Options{Device: device, Sink: sink})

	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := <-skipErr; err != nil {
		t.Fatalf("Skip: %v", err)
	}
	assertOutcomes(t, sum, "done", "done")
}

func TestFullCommandQueueReportsDrop(t *testing.T) {
	o := newRun(t, items("com.a"), fastConfig(), builtin(t, "default"), Options{Device: stockDevice("com.a")})

	// nobody reads the queue before Run
	for i := 0; i < cap(o.cmds); i++ {
		if err := o.Pause(); err != nil {
			t.Fatalf("Pause %d: %v", i, err)
		}
	}
	if err := o.Pause(); !errors.Is(err, ErrCommandDropped) {
		t.Fatalf("Pause on full queue: %v", err)
	}
	if err := o.Skip(); !errors.Is(err, ErrCommandDropped) {
		t.Fatalf("Skip on full queue: %v", err)
	}
}

func TestLeavesStaleAppInfoBeforeNextItem(t *testing.T) {
	// com.a's app info has no working storage entry, so it fails there
	device := stockDevice("com.b").
		On(probe.OpenAction("com.a"), screen(settingsPkg, "AppInfoDashboard", "Force stop", "Storage")).
		On(probe.ActionBack, launcher)

	o := newRun(t, items("com.a", "com.b"), fastConfig(), builtin(t, "default"), Options{Device: device})
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertOutcomes(t, sum, "failed:target_unreachable", "done")

	back, openB := -1, -1
	for i, a := range device.Actions() {
		switch {
		case a == probe.ActionBack && back < 0:
			back = i
		case a == probe.OpenAction("com.b"):
			openB = i
		}
	}
	if back < 0 || openB < 0 || back > openB {
		t.Fatalf("stale app info must be left before opening com.b: %v", device.Actions())
	}
}
