// Package mcp exposes the tool registry over the Model Context Protocol and
// discovers tools from external MCP servers.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

const serverName = "mnemo"

// NewServer builds an MCP server exposing every tool in reg.
func NewServer(reg *tool.Registry, version string, logger *telemetry.Logger) (*server.MCPServer, error) {
	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(false))

	for _, t := range reg.List() {
		schema, err := json.Marshal(tool.InputSchema(t))
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name(), err)
		}
		s.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), handlerFor(t, logger))
	}
	return s, nil
}

func handlerFor(t tool.Tool, logger *telemetry.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		out, err := t.Execute(ctx, args)
		if err != nil {
			if logger != nil {
				logger.Warn("mcp tool call failed", "tool", t.Name(), "error", err)
			}
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// Serve runs s over the given stdio streams until ctx is cancelled or the
// input closes.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}
