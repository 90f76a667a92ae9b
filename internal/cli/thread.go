package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/message"
)

var threadJSON bool

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect conversation threads",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored threads",
	RunE:  runThreadList,
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show the messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadShow,
}

var threadDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a thread and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadDelete,
}

func init() {
	threadShowCmd.Flags().BoolVar(&threadJSON, "json", false, "output as JSON")

	threadCmd.AddCommand(threadListCmd)
	threadCmd.AddCommand(threadShowCmd)
	threadCmd.AddCommand(threadDeleteCmd)
}

func runThreadList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, app.Options{Storage: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.Threads.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No threads found.")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runThreadShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, app.Options{Storage: true})
	if err != nil {
		return err
	}
	defer a.Close()

	msgs, err := a.Threads.Messages(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if threadJSON {
		return printJSON(os.Stdout, msgs)
	}
	if len(msgs) == 0 {
		fmt.Printf("Thread %s is empty.\n", args[0])
		return nil
	}
	for _, m := range msgs {
		fmt.Println(formatMessage(m))
	}
	return nil
}

func formatMessage(m message.Message) string {
	var b strings.Builder
	switch m.Role {
	case message.RoleTool:
		status := ""
		if m.IsError {
			status = " (error)"
		}
		fmt.Fprintf(&b, "[tool %s%s] %s", m.ToolName, status, m.Content)
	default:
		fmt.Fprintf(&b, "[%s] %s", m.Role, m.Content)
	}
	for _, tc := range m.ToolCalls {
		fmt.Fprintf(&b, "\n    -> %s(%s)", tc.Name, string(tc.Args))
	}
	return b.String()
}

func runThreadDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, app.Options{Storage: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Threads.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted thread %s\n", args[0])
	return nil
}
