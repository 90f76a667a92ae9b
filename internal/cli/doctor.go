package cli

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/config"
	"github.com/mnemo-oss/mnemo/internal/state"
	"github.com/mnemo-oss/mnemo/internal/thread"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check environment and dependencies",
	Long:  "Validate that configuration, API keys, and the configured stores are usable.",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("mnemo doctor: checking your environment")
	fmt.Println()
	allOK := true

	fmt.Printf("  Go version: %s ✓\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s ✓\n", runtime.GOOS, runtime.GOARCH)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config:     INVALID ✗\n    → %v\n", err)
		fmt.Println("\nSome checks failed. See above for details.")
		return nil
	}
	fmt.Printf("  Config:     %s ✓\n", cfg.Name)

	provider, model := cfg.Model.ModelProvider()
	if cfg.Model.APIKey != "" {
		fmt.Printf("  Model:      %s/%s (key %s) ✓\n", provider, model, redact(cfg.Model.APIKey))
	} else if cfg.Model.BaseURL != "" {
		fmt.Printf("  Model:      %s/%s at %s (no key) ✓\n", provider, model, cfg.Model.BaseURL)
	} else {
		fmt.Printf("  Model:      %s/%s NO API KEY ✗\n", provider, model)
		fmt.Println("    → Set model.api_key or the provider's API key environment variable")
		allOK = false
	}

	if mgr, err := state.NewManager(cfg.State.Driver, cfg.State.Path); err != nil {
		fmt.Printf("  Run ledger: FAILED (%s) ✗\n", err)
		allOK = false
	} else {
		_ = mgr.Close()
		fmt.Printf("  Run ledger: %s (%s) ✓\n", cfg.State.Driver, cfg.State.Path)
	}

	if store, err := thread.Open(app.ThreadOptions(cfg)); err != nil {
		fmt.Printf("  Threads:    FAILED (%s) ✗\n", err)
		allOK = false
	} else {
		_ = store.Close()
		fmt.Printf("  Threads:    %s ✓\n", cfg.Threads.Driver)
	}

	if cfg.Threads.Driver == "redis" || cfg.Memory.Scheduler == "asynq" {
		if err := pingRedis(cmd.Context(), cfg.Redis); err != nil {
			fmt.Printf("  Redis:      %s unreachable (%s) ✗\n", cfg.Redis.Addr, err)
			allOK = false
		} else {
			fmt.Printf("  Redis:      %s ✓\n", cfg.Redis.Addr)
		}
	}

	fmt.Printf("  Memory:     %d types, %s scheduler, %s store ✓\n",
		len(cfg.Memory.Types), cfg.Memory.Scheduler, cfg.Store.Driver)
	fmt.Printf("  Tools:      %d built-in, %d MCP servers ✓\n", len(tool.ListBuiltins()), len(cfg.MCPServers))

	fmt.Println()
	if allOK {
		fmt.Println("All checks passed!")
	} else {
		fmt.Println("Some checks failed. See above for details.")
	}

	return nil
}

func pingRedis(ctx context.Context, cfg config.RedisConfig) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
