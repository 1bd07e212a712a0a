package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

var (
	clrGreen  = lipgloss.AdaptiveColor{Light: "#16a34a", Dark: "#4ade80"}
	clrYellow = lipgloss.AdaptiveColor{Light: "#ca8a04", Dark: "#facc15"}
	clrRed    = lipgloss.AdaptiveColor{Light: "#dc2626", Dark: "#f87171"}
	clrCyan   = lipgloss.AdaptiveColor{Light: "#0891b2", Dark: "#22d3ee"}
	clrMuted  = lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}

	styleDone    = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	styleSkipped = lipgloss.NewStyle().Foreground(clrYellow).Bold(true)
	styleFailed  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)
	styleInfo    = lipgloss.NewStyle().Foreground(clrCyan)
	styleMuted   = lipgloss.NewStyle().Foreground(clrMuted)
	styleTitle   = lipgloss.NewStyle().Foreground(clrCyan).Bold(true)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrCyan).
			Padding(0, 2)
)

// renderEvent returns one line per event worth showing, or "" for noise.
func renderEvent(ev orchestrator.Event) string {
	switch ev.Type {
	case orchestrator.EventRunStarted:
		return styleTitle.Render("▶ run " + ev.RunID.String())
	case orchestrator.EventRunPaused:
		return styleSkipped.Render("⏸ paused")
	case orchestrator.EventRunResumed:
		return styleInfo.Render("▶ resumed")
	case orchestrator.EventItemStarted:
		return styleMuted.Render("  … " + ev.Package)
	case orchestrator.EventItemDone:
		return "  " + styleDone.Render("✓") + " " + ev.Package + durationSuffix(ev.Outcome)
	case orchestrator.EventItemSkipped:
		return "  " + styleSkipped.Render("↷") + " " + ev.Package
	case orchestrator.EventItemFailed:
		reason := ""
		if ev.Outcome != nil {
			reason = string(ev.Outcome.Reason)
		}
		return "  " + styleFailed.Render("✗") + " " + ev.Package + " " + styleFailed.Render(reason) +
			styleMuted.Render(" "+ev.Message)
	case orchestrator.EventItemIgnored:
		return styleMuted.Render("    ignored " + ev.Package)
	case orchestrator.EventIgnoreRequested:
		return styleSkipped.Render(fmt.Sprintf("  ? ignore %s from now on? [y/N] ", ev.Package))
	case orchestrator.EventRunStopped:
		return styleSkipped.Render("■ stopped")
	}
	return ""
}

func durationSuffix(o *orchestrator.Outcome) string {
	if o == nil || o.Duration <= 0 {
		return ""
	}
	return styleMuted.Render(" (" + o.Duration.Round(10*time.Millisecond).String() + ")")
}

func renderSummary(s *orchestrator.Summary) string {
	lines := []string{
		styleTitle.Render("Run " + string(s.Final)),
		fmt.Sprintf("%s %d   %s %d   %s %d",
			styleDone.Render("done"), s.Count(orchestrator.OutcomeDone),
			styleFailed.Render("failed"), s.Count(orchestrator.OutcomeFailed),
			styleSkipped.Render("skipped"), s.Count(orchestrator.OutcomeSkipped)),
	}
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		lines = append(lines, styleMuted.Render("took "+s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()))
	}

	var failed []string
	for _, o := range s.Outcomes {
		if o.Status == orchestrator.OutcomeFailed {
			failed = append(failed, fmt.Sprintf("  %s %s", o.Package, styleFailed.Render(o.String())))
		}
	}
	if len(failed) > 0 {
		lines = append(lines, "", styleFailed.Render("Failed"))
		lines = append(lines, failed...)
	}
	return styleBox.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderPackages(items []types.WorkItem, ignored map[string]bool) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("%d packages", len(items))))
	b.WriteString("\n")
	for _, it := range items {
		size := styleMuted.Render("      ?")
		if it.CacheBytes != nil {
			size = fmt.Sprintf("%7s", formatBytes(*it.CacheBytes))
		}
		line := fmt.Sprintf("%s  %s %s", size, it.Package, styleMuted.Render(it.DisplayLabel()))
		switch {
		case ignored[it.Package]:
			line += " " + styleSkipped.Render("ignored")
		case it.Disabled:
			line += " " + styleMuted.Render("disabled")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}
