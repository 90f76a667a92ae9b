package config

import (
	"strings"
	"time"
)

// Config represents the main project configuration (mnemo.yaml)
type Config struct {
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	Model        ModelConfig        `yaml:"model" json:"model"`
	Conversation ConversationConfig `yaml:"conversation" json:"conversation"`
	Retry        RetryConfig        `yaml:"retry" json:"retry"`
	Memory       MemoryConfig       `yaml:"memory" json:"memory"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Threads      ThreadsConfig      `yaml:"threads" json:"threads"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	State        StateConfig        `yaml:"state" json:"state"`
	Tools        []ToolConfig       `yaml:"tools,omitempty" json:"tools,omitempty"`
	MCPServers   []MCPServerConfig  `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Hooks        HooksConfig        `yaml:"hooks" json:"hooks"`
}

// ModelConfig configures the language model adapter
type ModelConfig struct {
	Provider          string  `yaml:"provider" json:"provider"` // openai, anthropic
	Name              string  `yaml:"name" json:"name"`         // gpt-4.1-mini, or "provider/model"
	APIKey            string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL           string  `yaml:"base_url,omitempty" json:"base_url,omitempty"` // OpenAI-compatible endpoint
	MaxOutputTokens   int     `yaml:"max_output_tokens" json:"max_output_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	Timeout           string  `yaml:"timeout,omitempty" json:"timeout,omitempty"` // per model call
}

// ConversationConfig configures the conversation state machine
type ConversationConfig struct {
	MaxTokens         int    `yaml:"max_tokens" json:"max_tokens"`       // trimmer budget
	TokenCounter      string `yaml:"token_counter" json:"token_counter"` // approximate, tiktoken
	SystemPrompt      string `yaml:"system_prompt" json:"system_prompt"` // {user_info}, {time}
	MaxToolIterations int    `yaml:"max_tool_iterations" json:"max_tool_iterations"`
	ToolConcurrency   int    `yaml:"tool_concurrency" json:"tool_concurrency"`
}

// RetryConfig configures per-node retry behavior
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff" json:"max_backoff"`
	Jitter         float64 `yaml:"jitter" json:"jitter"`
}

// MemoryConfig configures retrieval, scheduling and extraction
type MemoryConfig struct {
	UserID             string             `yaml:"user_id" json:"user_id"`
	SearchLimit        int                `yaml:"search_limit" json:"search_limit"`
	SearchWindow       int                `yaml:"search_window" json:"search_window"`
	DebounceDelay      string             `yaml:"debounce_delay" json:"debounce_delay"`
	MaxExtractionSteps int                `yaml:"max_extraction_steps" json:"max_extraction_steps"`
	Scheduler          string             `yaml:"scheduler" json:"scheduler"` // timer, asynq
	Queue              string             `yaml:"queue,omitempty" json:"queue,omitempty"`
	Disabled           bool               `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Types              []MemoryTypeConfig `yaml:"types" json:"types"`
}

// MemoryTypeConfig defines one independently extracted memory type
type MemoryTypeConfig struct {
	Name         string `yaml:"name" json:"name"`
	UpdateMode   string `yaml:"update_mode" json:"update_mode"` // insert, patch
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// StoreConfig configures the long-term memory store
type StoreConfig struct {
	Driver              string `yaml:"driver" json:"driver"` // chromem, sqlite
	Path                string `yaml:"path" json:"path"`     // empty = in-memory (chromem only)
	Embedder            string `yaml:"embedder" json:"embedder"`
	EmbeddingModel      string `yaml:"embedding_model,omitempty" json:"embedding_model,omitempty"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions,omitempty" json:"embedding_dimensions,omitempty"`
	EmbeddingBaseURL    string `yaml:"embedding_base_url,omitempty" json:"embedding_base_url,omitempty"`
	EmbeddingAPIKey     string `yaml:"embedding_api_key,omitempty" json:"embedding_api_key,omitempty"`
	EmbeddingCacheSize  int    `yaml:"embedding_cache_size,omitempty" json:"embedding_cache_size,omitempty"`
}

// ThreadsConfig configures conversation message persistence
type ThreadsConfig struct {
	Driver string `yaml:"driver" json:"driver"` // memory, sqlite, redis, badger
	Path   string `yaml:"path" json:"path"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"` // redis key prefix
}

// RedisConfig is shared by the redis thread store and the asynq scheduler
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
}

// StateConfig configures the run ledger
type StateConfig struct {
	Driver string `yaml:"driver" json:"driver"` // sqlite, memory
	Path   string `yaml:"path" json:"path"`
}

// ToolConfig represents a config-defined tool
type ToolConfig struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description" json:"description"`
	Provider    string                 `yaml:"provider" json:"provider"` // exec, http, builtin
	Config      map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// MCPServerConfig describes an MCP server spawned over stdio for tool discovery
type MCPServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format      string `yaml:"format" json:"format"` // text, json
	File        string `yaml:"file,omitempty" json:"file,omitempty"`
	MetricsFile string `yaml:"metrics_file,omitempty" json:"metrics_file,omitempty"` // JSONL metrics snapshots
}

// HooksConfig configures lifecycle event hooks.
type HooksConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Hooks   []HookConfig `yaml:"hooks" json:"hooks"`
}

// HookConfig defines a single hook.
type HookConfig struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type" json:"type"`     // shell, webhook, log
	Events   []string `yaml:"events" json:"events"` // event types to match
	Blocking bool     `yaml:"blocking" json:"blocking"`
	Command  string   `yaml:"command,omitempty" json:"command,omitempty"` // for shell hooks
	URL      string   `yaml:"url,omitempty" json:"url,omitempty"`         // for webhook hooks
	Level    string   `yaml:"level,omitempty" json:"level,omitempty"`     // for log hooks (debug, info, warn)
	Timeout  string   `yaml:"timeout,omitempty" json:"timeout,omitempty"` // shell and webhook hooks

	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"` // extra webhook headers
}

// ModelProvider returns the resolved provider and model name. A model written
// as "provider/model" supplies the provider when none is set explicitly.
func (m *ModelConfig) ModelProvider() (provider, model string) {
	provider, model = m.Provider, m.Name
	if i := strings.Index(model, "/"); i > 0 {
		prefix := model[:i]
		if provider == "" || provider == prefix {
			provider, model = prefix, model[i+1:]
		}
	}
	return provider, model
}

// ParsedTimeout returns the per-call model timeout, zero meaning none.
func (m *ModelConfig) ParsedTimeout() (time.Duration, error) {
	if m.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(m.Timeout)
}

// ParsedDebounceDelay converts the debounce delay to time.Duration
func (m *MemoryConfig) ParsedDebounceDelay() (time.Duration, error) {
	if m.DebounceDelay == "" {
		return 60 * time.Second, nil // default
	}
	return time.ParseDuration(m.DebounceDelay)
}

// ParsedBackoff converts the backoff strings to durations
func (r *RetryConfig) ParsedBackoff() (initial, max time.Duration, err error) {
	initial, max = time.Second, 60*time.Second
	if r.InitialBackoff != "" {
		if initial, err = time.ParseDuration(r.InitialBackoff); err != nil {
			return 0, 0, err
		}
	}
	if r.MaxBackoff != "" {
		if max, err = time.ParseDuration(r.MaxBackoff); err != nil {
			return 0, 0, err
		}
	}
	return initial, max, nil
}

// MemoryType returns the memory type with the given name.
func (m *MemoryConfig) MemoryType(name string) (MemoryTypeConfig, bool) {
	for _, t := range m.Types {
		if t.Name == name {
			return t, true
		}
	}
	return MemoryTypeConfig{}, false
}
