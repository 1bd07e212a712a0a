// Package mcp exposes run control to MCP clients over stdio.
package mcp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/interfaces"
)

// MCPServer wraps the MCP server around the lifecycle manager.
type MCPServer struct {
	lm     interfaces.LifecycleManager
	server *server.MCPServer
	logger *zap.Logger

	mu        sync.Mutex
	isRunning bool
}

func NewMCPServer(name, version string, lm interfaces.LifecycleManager, logger *zap.Logger) *MCPServer {
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithLogging(),
	)

	s := &MCPServer{
		lm:     lm,
		server: mcpServer,
		logger: logger,
	}
	s.registerRunTools()
	s.registerCatalogTools()
	s.registerResources()
	return s
}

func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"cachecleaner://run/status",
			"Status of the current or last run",
			mcp.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)
	s.server.AddResource(
		mcp.NewResource(
			"cachecleaner://scenarios",
			"Loaded automation scenarios",
			mcp.WithMIMEType("application/json"),
		),
		s.handleScenariosResource,
	)
}

// Serve blocks until ctx is cancelled or in is closed.
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	s.logger.Info("MCP server started")
	stdio := server.NewStdioServer(s.server)
	return stdio.Listen(ctx, in, out)
}

func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

func errorResult(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf(format, args...))},
	}
}
