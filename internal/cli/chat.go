package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/agent"
	"github.com/mnemo-oss/mnemo/internal/app"
	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
)

var (
	chatThread       string
	chatWaitMemories bool
	chatJSON         bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the agent",
	Long: `Send one message, or start an interactive session when no message is given.

Examples:
  mnemo chat "My name is Ada and I like hiking"
  mnemo chat --thread ada-1                   # interactive session
  mnemo chat --thread ada-1 --wait-memories "bye"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "", "thread ID (default: a new thread)")
	chatCmd.Flags().BoolVar(&chatWaitMemories, "wait-memories", true, "run pending memory extraction before exiting")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "print the turn result as JSON")
}

func runChat(cmd *cobra.Command, args []string) error {
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

	threadID := chatThread
	if threadID == "" {
		threadID = uuid.New().String()
	}

	if len(args) > 0 {
		err = chatTurn(ctx, a, threadID, strings.Join(args, " "), os.Stdout)
	} else {
		err = chatSession(ctx, a, threadID, os.Stdin, os.Stdout)
	}

	if chatWaitMemories {
		// Shutdown may have cancelled ctx; pending extraction still gets a
		// bounded chance to run.
		waitCtx, stop := context.WithTimeout(context.Background(), 2*time.Minute)
		defer stop()
		if werr := a.WaitMemories(waitCtx); werr != nil {
			a.Logger.Warn("Pending memory runs did not finish", "error", werr)
		}
	}
	return err
}

func chatTurn(ctx context.Context, a *app.App, threadID, content string, out io.Writer) error {
	result, err := a.Runtime.Run(ctx, agent.Input{
		ThreadID: threadID,
		UserID:   a.Config.Memory.UserID,
		Message:  message.NewUser(content),
	})
	if err != nil {
		return err
	}

	if chatJSON {
		return printJSON(out, result)
	}
	fmt.Fprintln(out, result.Message.Content)
	if verbose {
		fmt.Fprintf(out, "\n(thread %s, run %s, %d model calls, %s)\n",
			result.ThreadID, short(result.RunID), result.Iterations, result.Duration.Round(time.Millisecond))
	}
	return nil
}

func chatSession(ctx context.Context, a *app.App, threadID string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "mnemo chat (thread %s, user %s)\n", threadID, a.Config.Memory.UserID)
	fmt.Fprintln(out, "Type /exit to quit.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		if err := chatTurn(ctx, a, threadID, line, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed turn leaves the thread usable; report and keep going.
			fmt.Fprintf(out, "error: %v\n", err)
			if s := mnemoerr.Suggestion(err); s != "" {
				fmt.Fprintf(out, "hint: %s\n", s)
			}
		}
	}
	return scanner.Err()
}
