package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteClient {
	t.Helper()
	s, err := NewSQLiteClient(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteClient: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestRunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{ScenarioID: "default", Locale: "en", State: "running", ItemCount: 2, Config: []byte(`{"settle":1}`)}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == uuid.Nil {
		t.Fatal("run id not assigned")
	}

	items := []*RunItem{
		{RunID: run.ID, Position: 1, Package: "com.b", Status: "failed", Reason: "control_not_found", Ignored: true},
		{RunID: run.ID, Position: 0, Package: "com.a", Status: "done", DurationMS: 1200},
	}
	for _, it := range items {
		if err := s.SaveRunItem(ctx, it); err != nil {
			t.Fatalf("SaveRunItem: %v", err)
		}
	}
	for _, typ := range []string{"run.started", "item.done", "run.completed"} {
		if err := s.AppendRunEvent(ctx, &RunEvent{RunID: run.ID, Type: typ}); err != nil {
			t.Fatalf("AppendRunEvent: %v", err)
		}
	}

	run.State = "run_complete"
	run.Done, run.Failed = 1, 1
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != "run_complete" || got.Done != 1 || got.Failed != 1 || got.FinishedAt == nil {
		t.Errorf("run = %+v", got)
	}
	if string(got.Config) != `{"settle":1}` {
		t.Errorf("config = %s", got.Config)
	}

	gotItems, err := s.ListRunItems(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotItems) != 2 || gotItems[0].Package != "com.a" || !gotItems[1].Ignored {
		t.Errorf("items = %+v %+v", gotItems[0], gotItems[1])
	}

	events, err := s.ListRunEvents(ctx, run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].Type != "run.started" || events[2].Type != "run.completed" {
		t.Errorf("events = %d", len(events))
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Errorf("ListRuns = %d, %v", len(runs), err)
	}

	if _, err := s.GetRun(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun unknown = %v", err)
	}
}

func TestIgnoredApps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddIgnoredAppWithReason(ctx, "com.a", "control_not_found"); err != nil {
		t.Fatal(err)
	}
	// adding twice keeps the first entry
	if err := s.AddIgnoredApp(ctx, "com.a"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddIgnoredApp(ctx, "com.b"); err != nil {
		t.Fatal(err)
	}

	apps, err := s.ListIgnoredApps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 2 || apps[0].Reason != "control_not_found" {
		t.Errorf("apps = %+v", apps)
	}

	if err := s.RemoveIgnoredApp(ctx, "com.b"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveIgnoredApp(ctx, "com.b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove = %v", err)
	}

	set, err := s.IgnoredSet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !set["com.a"] || set["com.b"] {
		t.Errorf("set = %v", set)
	}
}

func TestPackageLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SavePackageList(ctx, "social", []string{"com.whatsapp", "org.telegram"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePackageList(ctx, "social", []string{"com.whatsapp"}); err != nil {
		t.Fatal(err)
	}

	list, err := s.GetPackageList(ctx, "social")
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Packages) != 1 || list.Packages[0] != "com.whatsapp" {
		t.Errorf("packages = %v", list.Packages)
	}

	lists, err := s.ListPackageLists(ctx)
	if err != nil || len(lists) != 1 {
		t.Errorf("ListPackageLists = %d, %v", len(lists), err)
	}

	if err := s.DeletePackageList(ctx, "social"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPackageList(ctx, "social"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete = %v", err)
	}
}

func TestLogAuthEvent(t *testing.T) {
	s := newTestStore(t)
	if err := s.LogAuthEvent(context.Background(), AuthEvent{EventType: "user_login_failed", Username: "x"}); err != nil {
		t.Fatal(err)
	}
}
