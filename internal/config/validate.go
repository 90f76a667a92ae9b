package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks the whole configuration and reports every problem at once.
func Validate(cfg *Config) error {
	var errors []string

	provider, model := cfg.Model.ModelProvider()
	validProviders := map[string]bool{"openai": true, "anthropic": true}
	if !validProviders[provider] {
		errors = append(errors, fmt.Sprintf("invalid model provider: %q (must be openai or anthropic)", provider))
	}
	if model == "" {
		errors = append(errors, "model name is required")
	}
	if cfg.Model.RequestsPerSecond < 0 {
		errors = append(errors, "model.requests_per_second must be non-negative")
	}
	if _, err := cfg.Model.ParsedTimeout(); err != nil {
		errors = append(errors, fmt.Sprintf("invalid model.timeout %q: %s", cfg.Model.Timeout, err))
	}

	if cfg.Conversation.MaxTokens <= 0 {
		errors = append(errors, "conversation.max_tokens must be positive")
	}
	validCounters := map[string]bool{"approximate": true, "tiktoken": true}
	if !validCounters[cfg.Conversation.TokenCounter] {
		errors = append(errors, fmt.Sprintf("invalid conversation.token_counter: %s", cfg.Conversation.TokenCounter))
	}
	if cfg.Conversation.MaxToolIterations < 1 {
		errors = append(errors, "conversation.max_tool_iterations must be at least 1")
	}
	if cfg.Conversation.ToolConcurrency < 1 {
		errors = append(errors, "conversation.tool_concurrency must be at least 1")
	}

	if cfg.Retry.MaxAttempts < 1 {
		errors = append(errors, "retry.max_attempts must be at least 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		errors = append(errors, "retry.jitter must be between 0 and 1")
	}
	if _, _, err := cfg.Retry.ParsedBackoff(); err != nil {
		errors = append(errors, fmt.Sprintf("invalid retry backoff: %s", err))
	}

	errors = append(errors, validateMemory(&cfg.Memory)...)

	validStores := map[string]bool{"chromem": true, "sqlite": true}
	if !validStores[cfg.Store.Driver] {
		errors = append(errors, fmt.Sprintf("invalid store driver: %s", cfg.Store.Driver))
	}
	validEmbedders := map[string]bool{"hash": true, "openai": true}
	if !validEmbedders[cfg.Store.Embedder] {
		errors = append(errors, fmt.Sprintf("invalid store.embedder: %s", cfg.Store.Embedder))
	}
	if cfg.Store.EmbeddingDimensions <= 0 {
		errors = append(errors, "store.embedding_dimensions must be positive")
	}

	validThreads := map[string]bool{"memory": true, "sqlite": true, "redis": true, "badger": true}
	if !validThreads[cfg.Threads.Driver] {
		errors = append(errors, fmt.Sprintf("invalid threads driver: %s", cfg.Threads.Driver))
	}

	validState := map[string]bool{"memory": true, "sqlite": true}
	if !validState[cfg.State.Driver] {
		errors = append(errors, fmt.Sprintf("invalid state driver: %s", cfg.State.Driver))
	}

	for _, t := range cfg.Tools {
		if err := validateTool(&t); err != nil {
			errors = append(errors, err.Error())
		}
	}

	serverNames := make(map[string]bool)
	for _, s := range cfg.MCPServers {
		if s.Name == "" {
			errors = append(errors, "mcp server name is required")
		} else if serverNames[s.Name] {
			errors = append(errors, fmt.Sprintf("duplicate mcp server name: %s", s.Name))
		}
		serverNames[s.Name] = true
		if s.Command == "" {
			errors = append(errors, fmt.Sprintf("mcp server %s requires a command", s.Name))
		}
	}

	validHookTypes := map[string]bool{"shell": true, "webhook": true, "log": true}
	for _, h := range cfg.Hooks.Hooks {
		if !validHookTypes[h.Type] {
			errors = append(errors, fmt.Sprintf("hook %s has invalid type: %s", h.Name, h.Type))
		}
		if h.Type == "shell" && h.Command == "" {
			errors = append(errors, fmt.Sprintf("shell hook %s requires a command", h.Name))
		}
		if h.Type == "webhook" && h.URL == "" {
			errors = append(errors, fmt.Sprintf("webhook hook %s requires a url", h.Name))
		}
		if h.Timeout != "" {
			if _, err := time.ParseDuration(h.Timeout); err != nil {
				errors = append(errors, fmt.Sprintf("hook %s has invalid timeout: %s", h.Name, h.Timeout))
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

func validateMemory(m *MemoryConfig) []string {
	var errors []string

	if m.UserID == "" {
		errors = append(errors, "memory.user_id is required")
	}
	if m.SearchLimit < 1 {
		errors = append(errors, "memory.search_limit must be at least 1")
	}
	if m.SearchWindow < 1 {
		errors = append(errors, "memory.search_window must be at least 1")
	}
	if m.MaxExtractionSteps < 1 {
		errors = append(errors, "memory.max_extraction_steps must be at least 1")
	}
	if d, err := time.ParseDuration(m.DebounceDelay); err != nil {
		errors = append(errors, fmt.Sprintf("invalid memory.debounce_delay %q: %s", m.DebounceDelay, err))
	} else if d < 0 {
		errors = append(errors, "memory.debounce_delay must be non-negative")
	}

	validSchedulers := map[string]bool{"timer": true, "asynq": true}
	if !validSchedulers[m.Scheduler] {
		errors = append(errors, fmt.Sprintf("invalid memory.scheduler: %s", m.Scheduler))
	}

	validModes := map[string]bool{"insert": true, "patch": true}
	names := make(map[string]bool)
	for _, t := range m.Types {
		if t.Name == "" {
			errors = append(errors, "memory type name is required")
			continue
		}
		if strings.ContainsAny(t.Name, "/\x00") {
			errors = append(errors, fmt.Sprintf("memory type name %q must not contain '/'", t.Name))
		}
		if names[t.Name] {
			errors = append(errors, fmt.Sprintf("duplicate memory type: %s", t.Name))
		}
		names[t.Name] = true
		if !validModes[t.UpdateMode] {
			errors = append(errors, fmt.Sprintf("memory type %s has invalid update_mode: %s", t.Name, t.UpdateMode))
		}
	}

	return errors
}

// validateTool validates a tool configuration
func validateTool(cfg *ToolConfig) error {
	var errors []string

	if cfg.Name == "" {
		errors = append(errors, "name is required")
	}

	validProviders := map[string]bool{
		"exec":    true,
		"http":    true,
		"builtin": true,
		"":        true,
	}
	if !validProviders[cfg.Provider] {
		errors = append(errors, fmt.Sprintf("invalid provider: %s", cfg.Provider))
	}

	if cfg.Provider == "exec" {
		if cmd, ok := cfg.Config["command"]; !ok || cmd == "" {
			errors = append(errors, "exec tool requires a 'command' in config")
		}
	}
	if cfg.Provider == "http" {
		if url, ok := cfg.Config["url"]; !ok || url == "" {
			errors = append(errors, "http tool requires a 'url' in config")
		}
	}
	if cfg.Provider != "builtin" && cfg.Provider != "" && cfg.Description == "" {
		errors = append(errors, "description is required")
	}

	if len(errors) > 0 {
		return fmt.Errorf("tool %s validation failed: %s", cfg.Name, strings.Join(errors, "; "))
	}
	return nil
}
