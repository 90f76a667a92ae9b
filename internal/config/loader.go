package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the project configuration file looked up by Load.
const FileName = "mnemo.yaml"

// DefaultSystemPrompt is used when conversation.system_prompt is empty.
const DefaultSystemPrompt = `You are a helpful and friendly chatbot. Get to know the user! Ask questions! Be spontaneous!
{user_info}

System Time: {time}`

const userInstructions = `Extract the user's user profile information from the conversation: name, preferences, ` +
	`relationships, work and anything else stable about them. Update the existing profile; do not discard ` +
	`facts that are still true.`

const noteInstructions = `Save notable memories the user has shared with you for later recall. ` +
	`Each memory should be a single self-contained fact or event.`

var (
	envPattern = regexp.MustCompile(`\$\{env\.([^}]+)\}`)
	varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// Load loads the main project configuration from dir
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile loads configuration from an explicit path. A missing file yields
// the default configuration.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(content)
}

// Parse decodes YAML configuration, interpolating environment variables and
// applying defaults.
func Parse(content []byte) (*Config, error) {
	content = []byte(interpolateEnv(string(content)))

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// LoadTool loads tools/<name>.yaml (or .yml).
func LoadTool(name string) (*ToolConfig, error) {
	content, err := os.ReadFile(toolFile(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool file: %w", err)
	}

	content = []byte(interpolateEnv(string(content)))

	var cfg ToolConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tool config: %w", err)
	}

	if err := validateTool(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// interpolateEnv replaces ${env.VAR} and ${VAR} with environment values
func interpolateEnv(content string) string {
	content = envPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match // keep original if not found
	})

	content = varPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := varPattern.FindStringSubmatch(match)[1]
		// Prompt placeholders use single braces; anything dotted is not an env name.
		if strings.Contains(varName, ".") {
			return match
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	return content
}

// DefaultMemoryTypes returns the built-in memory types: a patched user
// profile and inserted notes.
func DefaultMemoryTypes() []MemoryTypeConfig {
	return []MemoryTypeConfig{
		{Name: "User", UpdateMode: "patch", Instructions: userInstructions},
		{Name: "Note", UpdateMode: "insert", Instructions: noteInstructions},
	}
}

// Default returns the configuration used when no mnemo.yaml exists.
func Default() *Config {
	cfg := &Config{
		Name:    "mnemo",
		Version: "1.0",
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "mnemo"
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "openai/gpt-4.1-mini"
	}
	if cfg.Model.MaxOutputTokens == 0 {
		cfg.Model.MaxOutputTokens = 4096
	}

	if cfg.Conversation.MaxTokens == 0 {
		cfg.Conversation.MaxTokens = 1_000_000
	}
	if cfg.Conversation.TokenCounter == "" {
		cfg.Conversation.TokenCounter = "approximate"
	}
	if cfg.Conversation.SystemPrompt == "" {
		cfg.Conversation.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Conversation.MaxToolIterations == 0 {
		cfg.Conversation.MaxToolIterations = 10
	}
	if cfg.Conversation.ToolConcurrency == 0 {
		cfg.Conversation.ToolConcurrency = 8
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == "" {
		cfg.Retry.InitialBackoff = "1s"
	}
	if cfg.Retry.MaxBackoff == "" {
		cfg.Retry.MaxBackoff = "60s"
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.2
	}

	if cfg.Memory.UserID == "" {
		cfg.Memory.UserID = "default-user"
	}
	if cfg.Memory.SearchLimit == 0 {
		cfg.Memory.SearchLimit = 10
	}
	if cfg.Memory.SearchWindow == 0 {
		cfg.Memory.SearchWindow = 3
	}
	if cfg.Memory.DebounceDelay == "" {
		cfg.Memory.DebounceDelay = "60s"
	}
	if cfg.Memory.MaxExtractionSteps == 0 {
		cfg.Memory.MaxExtractionSteps = 3
	}
	if cfg.Memory.Scheduler == "" {
		cfg.Memory.Scheduler = "timer"
	}
	if cfg.Memory.Queue == "" {
		cfg.Memory.Queue = "memory"
	}
	// An explicit empty list means "extract nothing"; only a missing key
	// gets the built-in types.
	if cfg.Memory.Types == nil {
		cfg.Memory.Types = DefaultMemoryTypes()
	}
	for i := range cfg.Memory.Types {
		if cfg.Memory.Types[i].UpdateMode == "" {
			cfg.Memory.Types[i].UpdateMode = "insert"
		}
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "chromem"
	}
	if cfg.Store.Embedder == "" {
		cfg.Store.Embedder = "hash"
	}
	if cfg.Store.EmbeddingDimensions == 0 {
		cfg.Store.EmbeddingDimensions = 256
	}
	if cfg.Store.EmbeddingCacheSize == 0 {
		cfg.Store.EmbeddingCacheSize = 10_000
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = ".mnemo/memories.db"
	}

	if cfg.Threads.Driver == "" {
		cfg.Threads.Driver = "sqlite"
	}
	if cfg.Threads.Path == "" {
		switch cfg.Threads.Driver {
		case "badger":
			cfg.Threads.Path = ".mnemo/threads"
		case "sqlite":
			cfg.Threads.Path = ".mnemo/threads.db"
		}
	}
	if cfg.Threads.Prefix == "" {
		cfg.Threads.Prefix = "mnemo"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.State.Driver == "" {
		cfg.State.Driver = "sqlite"
	}
	if cfg.State.Path == "" {
		cfg.State.Path = ".mnemo/state.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	// Load API key from environment if not set
	if cfg.Model.APIKey == "" {
		provider, _ := cfg.Model.ModelProvider()
		switch provider {
		case "anthropic":
			cfg.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			cfg.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Store.EmbeddingAPIKey == "" && cfg.Store.Embedder == "openai" {
		cfg.Store.EmbeddingAPIKey = os.Getenv("OPENAI_API_KEY")
	}
}
