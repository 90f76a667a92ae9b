package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initProvider string

var initCmd = &cobra.Command{
	Use:   "init [project-dir]",
	Short: "Initialize a new mnemo project",
	Long: `Write a starter mnemo.yaml and create the .mnemo data directory.

Providers:
  openai    - OpenAI or any OpenAI-compatible endpoint (default)
  anthropic - Anthropic Messages API`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initProvider, "provider", "p", "openai", "model provider (openai, anthropic)")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	for _, sub := range []string{".mnemo", "tools"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", sub, err)
		}
	}

	path := filepath.Join(dir, "mnemo.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	content, err := starterConfig(filepath.Base(absOrSelf(dir)), initProvider)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Initialized mnemo project in %s\n", dir)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set your API key (or add it to .env)")
	fmt.Println("  2. mnemo chat \"hello\"")
	return nil
}

func absOrSelf(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func starterConfig(name, provider string) (string, error) {
	var model, keyEnv string
	switch provider {
	case "openai":
		model, keyEnv = "openai/gpt-4.1-mini", "OPENAI_API_KEY"
	case "anthropic":
		model, keyEnv = "anthropic/claude-sonnet-4-5", "ANTHROPIC_API_KEY"
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	return fmt.Sprintf(`name: %s
version: "1.0"

model:
  name: %s
  api_key: ${%s}
  max_output_tokens: 4096

conversation:
  max_tokens: 1000000
  max_tool_iterations: 10

retry:
  max_attempts: 3
  initial_backoff: 1s
  max_backoff: 60s

memory:
  user_id: default-user
  debounce_delay: 60s
  scheduler: timer
  types:
    - name: User
      update_mode: patch
    - name: Note
      update_mode: insert

store:
  driver: chromem
  path: .mnemo/memories
  embedder: hash

threads:
  driver: sqlite
  path: .mnemo/threads.db

state:
  driver: sqlite
  path: .mnemo/state.db

logging:
  level: info
  file: .mnemo/logs/mnemo.log
`, name, model, keyEnv), nil
}
