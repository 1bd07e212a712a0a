package main

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0K"},
		{1536, "1.5K"},
		{5 * 1024 * 1024, "5.0M"},
		{3 * 1024 * 1024 * 1024, "3.0G"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderEvent(t *testing.T) {
	run := uuid.New()

	failed := renderEvent(orchestrator.Event{
		RunID:   run,
		Type:    orchestrator.EventItemFailed,
		Package: "com.example",
		Outcome: &orchestrator.Outcome{Status: orchestrator.OutcomeFailed, Reason: orchestrator.FailureControlNotFound},
	})
	if !strings.Contains(failed, "com.example") || !strings.Contains(failed, "control_not_found") {
		t.Errorf("failed line = %q", failed)
	}

	if got := renderEvent(orchestrator.Event{Type: orchestrator.EventStateChanged}); got != "" {
		t.Errorf("state changes should not be printed, got %q", got)
	}
}

func TestRenderSummary(t *testing.T) {
	start := time.Now()
	s := &orchestrator.Summary{
		Final: orchestrator.StateStopped,
		Outcomes: []orchestrator.Outcome{
			{Package: "com.a", Status: orchestrator.OutcomeDone},
			{Package: "com.b", Status: orchestrator.OutcomeFailed, Reason: orchestrator.FailureTargetUnreachable},
		},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}
	out := renderSummary(s)
	for _, want := range []string{"stopped", "com.b", "failed:target_unreachable", "3s"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "com.a") {
		t.Errorf("done items should not be listed:\n%s", out)
	}
}
