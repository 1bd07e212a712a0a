package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/KevinKickass/OpenCacheCleaner/internal/machine"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

func (s *MCPServer) registerRunTools() {
	s.server.AddTool(
		mcp.NewTool("run_status",
			mcp.WithDescription("Get the state and counters of the current or last cache-clearing run"),
		),
		s.handleRunStatus,
	)

	s.server.AddTool(
		mcp.NewTool("start_run",
			mcp.WithDescription("Start clearing the cache of the given packages, in order"),
			mcp.WithString("packages",
				mcp.Required(),
				mcp.Description("Comma separated package names, e.g. com.example.app,org.example.reader"),
			),
			mcp.WithString("scenario",
				mcp.Description("Scenario id (default from configuration)"),
			),
			mcp.WithString("locale",
				mcp.Description("BCP 47 locale of the device UI"),
			),
			mcp.WithBoolean("ask_before_ignore",
				mcp.Description("Ask before a failing app is ignored permanently"),
			),
		),
		s.handleStartRun,
	)

	s.server.AddTool(
		mcp.NewTool("start_selected",
			mcp.WithDescription("Start a run over the packages checked in the catalog"),
		),
		s.handleStartSelected,
	)

	for _, cmd := range []struct {
		name machine.Command
		desc string
	}{
		{machine.CommandPause, "Pause the active run; timeouts stop counting"},
		{machine.CommandResume, "Resume a paused run"},
		{machine.CommandStop, "Stop the active run"},
		{machine.CommandSkip, "Skip the app currently being processed"},
	} {
		s.server.AddTool(
			mcp.NewTool(string(cmd.name)+"_run", mcp.WithDescription(cmd.desc)),
			s.commandHandler(cmd.name),
		)
	}

	s.server.AddTool(
		mcp.NewTool("answer_ignore",
			mcp.WithDescription("Answer a pending prompt whether a failing app should be ignored permanently"),
			mcp.WithString("package",
				mcp.Required(),
				mcp.Description("Package the prompt was raised for"),
			),
			mcp.WithBoolean("ignore",
				mcp.Required(),
				mcp.Description("true to ignore the app in future runs"),
			),
		),
		s.handleAnswerIgnore,
	)

	s.server.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List recent runs with their result counters"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of runs (default 20)"),
			),
		),
		s.handleListRuns,
	)
}

func (s *MCPServer) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := s.lm.RunController().GetStatus()
	jsonData, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize status: %w", err)
	}

	summary := fmt.Sprintf("State: %s\n", status.State)
	if status.RunID != "" {
		summary += fmt.Sprintf("Run: %s (scenario %s)\n", status.RunID, status.ScenarioID)
		summary += fmt.Sprintf("Progress: %d done, %d failed, %d skipped of %d\n",
			status.Done, status.Failed, status.Skipped, status.Total)
	}
	if status.ActivePackage != "" {
		summary += fmt.Sprintf("Active: %s\n", status.ActivePackage)
	}
	for _, pkg := range status.PendingPrompts {
		summary += fmt.Sprintf("Waiting for ignore decision: %s\n", pkg)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(summary),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}

func (s *MCPServer) runConfig(args map[string]interface{}) types.RunConfig {
	cc := s.lm.Config().CacheClean
	if sc, ok := args["scenario"].(string); ok && sc != "" {
		cc.Scenario = sc
	}
	if loc, ok := args["locale"].(string); ok && loc != "" {
		cc.Locale = loc
	}
	if ask, ok := args["ask_before_ignore"].(bool); ok {
		cc.Filter.ShowDialogToIgnoreApp = ask
	}
	return cc.RunConfig()
}

func (s *MCPServer) handleStartRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	raw, ok := args["packages"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("packages is required")
	}

	var items []types.WorkItem
	for _, pkg := range strings.Split(raw, ",") {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			items = append(items, types.WorkItem{Package: pkg, Checked: true})
		}
	}

	id, err := s.lm.RunController().Start(ctx, items, s.runConfig(args))
	if err != nil {
		return errorResult("Run not started: %v", err), nil
	}
	return textResult(fmt.Sprintf("Run %s started with %d package(s)", id, len(items))), nil
}

func (s *MCPServer) handleStartSelected(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.lm.RunController().StartSelected(ctx, s.runConfig(request.GetArguments()))
	if err != nil {
		return errorResult("Run not started: %v", err), nil
	}
	return textResult(fmt.Sprintf("Run %s started", id)), nil
}

func (s *MCPServer) commandHandler(cmd machine.Command) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.lm.RunController().ExecuteCommand(ctx, cmd, nil); err != nil {
			return errorResult("%s failed: %v", cmd, err), nil
		}
		return textResult(fmt.Sprintf("%s accepted", cmd)), nil
	}
}

func (s *MCPServer) handleAnswerIgnore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	pkg, ok := args["package"].(string)
	if !ok || pkg == "" {
		return nil, fmt.Errorf("package is required")
	}
	ignore, ok := args["ignore"].(bool)
	if !ok {
		return nil, fmt.Errorf("ignore is required")
	}

	if err := s.lm.RunController().AnswerIgnore(pkg, ignore); err != nil {
		return errorResult("%v", err), nil
	}
	if ignore {
		return textResult(fmt.Sprintf("%s will be ignored in future runs", pkg)), nil
	}
	return textResult(fmt.Sprintf("%s stays in the catalog", pkg)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store := s.lm.Storage()
	if store == nil {
		return errorResult("No database configured"), nil
	}

	limit := 20
	if l, ok := request.GetArguments()["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		return textResult("No runs recorded"), nil
	}

	result := fmt.Sprintf("Found %d run(s):\n\n", len(runs))
	for i, r := range runs {
		result += fmt.Sprintf("%d. %s %s [%s] done=%d failed=%d skipped=%d of %d\n",
			i+1, r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, r.State,
			r.Done, r.Failed, r.Skipped, r.ItemCount)
	}
	return textResult(result), nil
}
