package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/server"
)

var (
	serveAddr    string
	serveToken   string
	serveOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the conversation API over HTTP",
	Long: `Start an HTTP server exposing conversation turns, threads, runs and memories.

Events are streamed as server-sent events on /api/events and
/api/events/{thread_id}.

Set --token (or MNEMO_API_TOKEN) to require "Authorization: Bearer <token>"
on every route but /api/health.

Examples:
  mnemo serve
  mnemo serve --addr 127.0.0.1:9090
  mnemo serve --token s3cret --allow-origin https://app.example`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&serveToken, "token", os.Getenv("MNEMO_API_TOKEN"), "bearer token required by the API")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allow-origin", nil, "CORS origins to allow (default: any)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, app.Options{Conversation: true})
	if err != nil {
		return err
	}
	defer a.Close()

	err = server.New(a, server.Options{
		Version:        Version,
		Token:          serveToken,
		AllowedOrigins: serveOrigins,
	}).Start(ctx, serveAddr)

	// Pending debounced runs still get a bounded chance to run.
	waitCtx, stop := context.WithTimeout(context.Background(), 2*time.Minute)
	defer stop()
	if werr := a.WaitMemories(waitCtx); werr != nil {
		a.Logger.Warn("Pending memory runs did not finish", "error", werr)
	}
	return err
}
