package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *MCPServer) registerCatalogTools() {
	s.server.AddTool(
		mcp.NewTool("list_scenarios",
			mcp.WithDescription("List the automation scenarios available for runs"),
		),
		s.handleListScenarios,
	)

	s.server.AddTool(
		mcp.NewTool("list_ignored",
			mcp.WithDescription("List apps that are permanently ignored"),
		),
		s.handleListIgnored,
	)

	s.server.AddTool(
		mcp.NewTool("refresh_catalog",
			mcp.WithDescription("Re-read installed packages and their cache sizes from the device"),
			mcp.WithString("locale",
				mcp.Description("Locale the labels are captured in"),
			),
		),
		s.handleRefreshCatalog,
	)
}

func (s *MCPServer) handleListScenarios(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.lm.Scenarios().List()
	result := fmt.Sprintf("Found %d scenario(s):\n\n", len(list))
	for i, sc := range list {
		result += fmt.Sprintf("%d. %s (%s, v%s) %d stages\n", i+1, sc.ID, sc.Name, sc.Version, len(sc.Stages))
	}
	return textResult(result), nil
}

func (s *MCPServer) handleListIgnored(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store := s.lm.Storage()
	if store == nil {
		return errorResult("No database configured"), nil
	}
	apps, err := store.ListIgnoredApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ignored apps: %w", err)
	}
	if len(apps) == 0 {
		return textResult("No ignored apps"), nil
	}

	result := fmt.Sprintf("%d ignored app(s):\n", len(apps))
	for _, a := range apps {
		result += "- " + a.Package
		if a.Reason != "" {
			result += " (" + a.Reason + ")"
		}
		result += "\n"
	}
	return textResult(result), nil
}

func (s *MCPServer) handleRefreshCatalog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	locale := s.lm.Config().CacheClean.Locale
	if l, ok := request.GetArguments()["locale"].(string); ok && l != "" {
		locale = l
	}
	n, err := s.lm.RunController().RefreshCatalog(ctx, locale)
	if err != nil {
		return errorResult("Refresh failed: %v", err), nil
	}
	return textResult(fmt.Sprintf("Catalog holds %d package(s)", n)), nil
}

func (s *MCPServer) handleStatusResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(s.lm.RunController().GetStatus(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize status: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}

func (s *MCPServer) handleScenariosResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(s.lm.Scenarios().List(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize scenarios: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}
