package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/config"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

var (
	toolArgs    string
	toolTimeout time.Duration
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Manage tools",
	Long:  `Commands for listing and testing the tools bound to the agent.`,
}

var toolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available tools",
	RunE:  runToolList,
}

var toolTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Run a tool once",
	Long: `Run a tool once. Without --args the tool's own self-test runs.

Examples:
  mnemo tool test multiply --args '{"x":6,"y":7}'`,
	Args: cobra.ExactArgs(1),
	RunE: runToolTest,
}

func init() {
	toolTestCmd.Flags().StringVar(&toolArgs, "args", "", "JSON arguments to call the tool with")
	toolTestCmd.Flags().DurationVar(&toolTimeout, "timeout", 30*time.Second, "call timeout")

	toolCmd.AddCommand(toolListCmd)
	toolCmd.AddCommand(toolTestCmd)
}

// toolRegistry builds the registry the agent would bind, including tools
// discovered from MCP servers.
func toolRegistry(ctx context.Context) (*tool.Registry, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.NewToolset(ctx, cfg, nil, app.Options{Verbose: verbose, Version: Version})
	if err != nil {
		return nil, nil, err
	}
	return a.Tools, a.Close, nil
}

func runToolList(cmd *cobra.Command, args []string) error {
	reg, closeFn, err := toolRegistry(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	infos := reg.Info()
	if len(infos) == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	fmt.Println("Tools:")
	fmt.Println("------")
	for _, t := range infos {
		source := t.Source
		if source == "" {
			source = "builtin"
		}
		fmt.Printf("  %s [%s]\n", t.Name, source)
		fmt.Printf("    Description: %s\n", t.Description)
		fmt.Println()
	}

	names, err := config.LoadToolList()
	if err == nil && len(names) > 0 {
		fmt.Printf("Tool definitions in tools/: %s\n", strings.Join(names, ", "))
	}
	return nil
}

func runToolTest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), toolTimeout)
	defer cancel()

	reg, closeFn, err := toolRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := reg.Get(args[0])
	if err != nil {
		return err
	}

	var result string
	if toolArgs != "" {
		fmt.Printf("Calling tool: %s\n", t.Name())
		result, err = t.Execute(ctx, []byte(toolArgs))
	} else {
		fmt.Printf("Testing tool: %s\n", t.Name())
		result, err = t.Test(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		return err
	}

	fmt.Printf("OK: %s\n", result)
	return nil
}
