package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/app"
	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/scheduler"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run scheduled memory extraction from the asynq queue",
	Long: `Process memory runs scheduled by chat processes configured with
memory.scheduler: asynq. Any number of workers may share one Redis.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 4, "concurrent memory runs")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Memory.Scheduler != "asynq" {
		return mnemoerr.New(mnemoerr.CodeConfigInvalid, "the worker requires memory.scheduler: asynq").
			WithSuggestion("With the timer scheduler memory runs execute inside the chat process")
	}

	a, err := buildApp(ctx, cfg, app.Options{SkipMCP: true})
	if err != nil {
		return err
	}
	defer a.Close()

	worker := scheduler.NewWorker(a.AsynqOptions(), workerConcurrency, a.Runner.Handle)
	a.Logger.Info("Starting memory worker",
		"redis", cfg.Redis.Addr,
		"queue", cfg.Memory.Queue,
		"memory_types", a.Registry.Names(),
	)
	return worker.Run(ctx)
}
