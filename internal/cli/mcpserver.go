package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/mcp"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

var mcpWithConfigTools bool

var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Serve tools over MCP stdio",
	Long: `Serve the builtin tools (multiply, ...) to MCP clients over stdio.
With --config-tools the exec and http tools from mnemo.yaml and tools/ are
served as well.`,
	RunE: runMCPServer,
}

func init() {
	mcpServerCmd.Flags().BoolVar(&mcpWithConfigTools, "config-tools", false, "also serve config-defined tools")
}

func runMCPServer(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Stdout carries the protocol; logs go to stderr only.
	logger := telemetry.NewLogger(verbose)

	reg := tool.NewRegistry()
	tool.RegisterBuiltins(reg)
	if mcpWithConfigTools {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.NewToolset(ctx, cfg, logger, app.Options{SkipMCP: true, Version: Version})
		if err != nil {
			return err
		}
		defer a.Close()
		reg = a.Tools
	}

	server, err := mcp.NewServer(reg, Version, logger)
	if err != nil {
		return fmt.Errorf("create MCP server: %w", err)
	}
	logger.Debug("Serving tools over MCP", "tools", reg.Len())
	return mcp.Serve(ctx, server, os.Stdin, os.Stdout)
}
