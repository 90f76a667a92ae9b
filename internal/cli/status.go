package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/state"
)

var (
	statusWatch  bool
	statusThread string
	statusKind   string
	statusState  string
	statusLimit  int
	statusPrune  time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent conversation and memory runs",
	Long: `Display recent runs from the run ledger.

Examples:
  mnemo status                  # Recent runs
  mnemo status --thread ada-1   # Runs of one thread
  mnemo status --kind memory --status failed
  mnemo status --prune 720h     # Delete runs finished over 30 days ago
  mnemo status --watch          # Live dashboard`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "watch mode with live updates")
	statusCmd.Flags().StringVarP(&statusThread, "thread", "t", "", "only runs of this thread")
	statusCmd.Flags().StringVar(&statusKind, "kind", "", "only runs of this kind (conversation, memory)")
	statusCmd.Flags().StringVar(&statusState, "status", "", "only runs with this status")
	statusCmd.Flags().DurationVar(&statusPrune, "prune", 0, "delete finished runs older than this and exit")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "number of runs")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateMgr, err := state.NewManager(cfg.State.Driver, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize state: %w", err)
	}
	defer stateMgr.Close()

	if statusPrune > 0 {
		n, err := stateMgr.Prune(statusPrune)
		if err != nil {
			return fmt.Errorf("failed to prune runs: %w", err)
		}
		fmt.Printf("Pruned %d runs finished before %s\n", n, time.Now().Add(-statusPrune).Format(time.RFC3339))
		return nil
	}

	if statusWatch {
		return watchStatus(cmd, stateMgr)
	}

	return showStatus(stateMgr)
}

func showStatus(stateMgr *state.Manager) error {
	runs, err := stateMgr.FindRuns(state.RunFilter{
		ThreadID: statusThread,
		Kind:     state.RunKind(statusKind),
		Status:   statusState,
		Limit:    statusLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	fmt.Println("Recent Runs:")
	fmt.Println("------------")

	for _, run := range runs {
		fmt.Printf("%s %s  %-12s  thread %s  (%s)\n",
			getStatusIcon(run.Status),
			short(run.ID),
			run.Kind,
			run.ThreadID,
			run.Status,
		)
		if !run.StartedAt.IsZero() {
			fmt.Printf("   Started: %s\n", run.StartedAt.Format(time.RFC3339))
		}
		if !run.CompletedAt.IsZero() && !run.StartedAt.IsZero() {
			fmt.Printf("   Completed: %s (duration: %s)\n",
				run.CompletedAt.Format(time.RFC3339),
				run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond),
			)
		}
		if len(run.Steps) > 0 {
			fmt.Print("   Steps:")
			for _, step := range run.Steps {
				fmt.Printf(" %s%s", getStatusIcon(step.Status), step.Name)
				if step.Attempts > 1 {
					fmt.Printf("(x%d)", step.Attempts)
				}
			}
			fmt.Println()
		}
		if w, ok := run.Outputs["writes"]; ok {
			fmt.Printf("   Memory writes: %v\n", w)
		}
		if run.Error != "" {
			fmt.Printf("   Error at %s: %s\n", run.Node, run.Error)
		}
		fmt.Println()
	}

	return nil
}

func watchStatus(cmd *cobra.Command, stateMgr *state.Manager) error {
	fmt.Println("Watching for updates... (Ctrl+C to stop)")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		fmt.Print("\033[H\033[2J")

		if err := showStatus(stateMgr); err != nil {
			fmt.Printf("Error: %v\n", err)
		}

		fmt.Printf("\nLast updated: %s\n", time.Now().Format(time.RFC3339))

		select {
		case <-ticker.C:
		case <-cmd.Context().Done():
			return nil
		}
	}
}

func getStatusIcon(status string) string {
	switch status {
	case state.StatusPending:
		return "○"
	case state.StatusRunning:
		return "◐"
	case state.StatusCompleted:
		return "●"
	case state.StatusFailed:
		return "✗"
	case state.StatusSuperseded:
		return "◌"
	default:
		return "?"
	}
}
