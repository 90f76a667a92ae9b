package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/memory"
)

var (
	memoryType   string
	memoryLimit  int
	memoryThread string
	memoryJSON   bool
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and extract long-term memories",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a user's memories by similarity",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemorySearch,
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's memories",
	RunE:  runMemoryList,
}

var memoryExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract memories from a thread now",
	Long: `Run memory extraction over the current messages of a thread without
waiting for the debounce delay. Every configured memory type runs in parallel.`,
	RunE: runMemoryExtract,
}

func init() {
	for _, c := range []*cobra.Command{memorySearchCmd, memoryListCmd} {
		c.Flags().StringVar(&memoryType, "type", "", "restrict to one memory type")
		c.Flags().IntVarP(&memoryLimit, "limit", "n", 20, "maximum number of memories")
		c.Flags().BoolVar(&memoryJSON, "json", false, "output as JSON")
	}
	memoryExtractCmd.Flags().StringVarP(&memoryThread, "thread", "t", "", "thread to extract from (required)")
	_ = memoryExtractCmd.MarkFlagRequired("thread")

	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryExtractCmd)
}

func memoryNamespace(userID string) memory.Namespace {
	if memoryType != "" {
		return memory.ForType(userID, memoryType)
	}
	return memory.ForUser(userID)
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, app.Options{Storage: true})
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.Memories.Search(cmd.Context(), memoryNamespace(cfg.Memory.UserID), args[0], memoryLimit)
	if err != nil {
		return err
	}
	return printMemories(items, true)
}

func runMemoryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, app.Options{Storage: true})
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.Memories.List(cmd.Context(), memoryNamespace(cfg.Memory.UserID), memoryLimit)
	if err != nil {
		return err
	}
	return printMemories(items, false)
}

func printMemories(items []memory.Item, scored bool) error {
	if memoryJSON {
		return printJSON(os.Stdout, items)
	}
	if len(items) == 0 {
		fmt.Println("No memories found.")
		return nil
	}
	for _, it := range items {
		kind := ""
		if len(it.Namespace) > 0 {
			kind = it.Namespace[len(it.Namespace)-1]
		}
		if scored {
			fmt.Printf("%s  %-8s  %.2f  %s\n", short(it.ID), kind, it.Score, truncate(it.Content, 100))
		} else {
			fmt.Printf("%s  %-8s  %s  %s\n", short(it.ID), kind, it.UpdatedAt.Format(time.RFC3339), truncate(it.Content, 100))
		}
	}
	return nil
}

func runMemoryExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, app.Options{SkipMCP: true})
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Runner.Run(ctx, "", memoryThread, cfg.Memory.UserID)
	if err != nil {
		return err
	}

	if len(result.Tasks) == 0 {
		fmt.Println("No memory types configured; nothing to extract.")
		return nil
	}
	for _, t := range result.Tasks {
		status := "ok"
		if t.Err != nil {
			status = "failed: " + t.Err.Error()
		}
		fmt.Printf("  %-12s %d writes  %s  (%s)\n", t.Type, t.Writes, status, t.Duration.Round(time.Millisecond))
	}
	fmt.Printf("\n%d writes, %d of %d types failed\n", result.Writes(), len(result.Failed()), len(result.Tasks))
	return nil
}
