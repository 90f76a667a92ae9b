package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
name: test-project
version: "2.0"
model:
  name: anthropic/claude-sonnet-4-20250514
conversation:
  max_tokens: 2048
  max_tool_iterations: 4
memory:
  user_id: alice
  debounce_delay: 5s
  types:
    - name: Profile
      update_mode: patch
logging:
  level: debug
  format: json
state:
  driver: memory
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Name != "test-project" {
		t.Errorf("expected name test-project, got %s", cfg.Name)
	}
	provider, model := cfg.Model.ModelProvider()
	if provider != "anthropic" || model != "claude-sonnet-4-20250514" {
		t.Errorf("expected anthropic/claude-sonnet-4-20250514, got %s/%s", provider, model)
	}
	if cfg.Conversation.MaxTokens != 2048 {
		t.Errorf("expected max_tokens 2048, got %d", cfg.Conversation.MaxTokens)
	}
	if cfg.Memory.UserID != "alice" {
		t.Errorf("expected user_id alice, got %s", cfg.Memory.UserID)
	}
	if len(cfg.Memory.Types) != 1 || cfg.Memory.Types[0].Name != "Profile" {
		t.Errorf("expected single Profile memory type, got %+v", cfg.Memory.Types)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected format json, got %s", cfg.Logging.Format)
	}
	if cfg.State.Driver != "memory" {
		t.Errorf("expected driver memory, got %s", cfg.State.Driver)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()

	// Should return default config, not error
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "mnemo" {
		t.Errorf("expected default name, got %s", cfg.Name)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	content := `{{{invalid yaml content`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ApplyDefaults(t *testing.T) {
	cfg, err := Parse([]byte("name: minimal\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	provider, model := cfg.Model.ModelProvider()
	if provider != "openai" || model != "gpt-4.1-mini" {
		t.Errorf("expected default openai/gpt-4.1-mini, got %s/%s", provider, model)
	}
	if cfg.Conversation.MaxTokens != 1_000_000 {
		t.Errorf("expected default max_tokens, got %d", cfg.Conversation.MaxTokens)
	}
	if cfg.Memory.SearchLimit != 10 || cfg.Memory.SearchWindow != 3 {
		t.Errorf("unexpected search defaults: limit=%d window=%d", cfg.Memory.SearchLimit, cfg.Memory.SearchWindow)
	}
	d, err := cfg.Memory.ParsedDebounceDelay()
	if err != nil || d.Seconds() != 60 {
		t.Errorf("expected 60s debounce, got %v (%v)", d, err)
	}
	if len(cfg.Memory.Types) != 2 {
		t.Fatalf("expected 2 default memory types, got %d", len(cfg.Memory.Types))
	}
	if mt, ok := cfg.Memory.MemoryType("User"); !ok || mt.UpdateMode != "patch" {
		t.Errorf("expected User memory type in patch mode, got %+v", mt)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Conversation.SystemPrompt != DefaultSystemPrompt {
		t.Error("expected default system prompt")
	}
}

func TestLoad_EmptyMemoryTypesKept(t *testing.T) {
	cfg, err := Parse([]byte("memory:\n  types: []\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Memory.Types == nil || len(cfg.Memory.Types) != 0 {
		t.Errorf("expected explicit empty memory types to survive defaults, got %+v", cfg.Memory.Types)
	}
}

func TestLoad_EnvInterpolation(t *testing.T) {
	dir := t.TempDir()
	content := `
name: ${TEST_MNEMO_PROJECT_NAME}
model:
  api_key: ${env.TEST_MNEMO_API_KEY}
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TEST_MNEMO_PROJECT_NAME", "env-project")
	t.Setenv("TEST_MNEMO_API_KEY", "sk-test-123")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Name != "env-project" {
		t.Errorf("expected env-project, got %s", cfg.Name)
	}
	if cfg.Model.APIKey != "sk-test-123" {
		t.Errorf("expected sk-test-123, got %s", cfg.Model.APIKey)
	}
}

func TestLoad_EnvInterpolation_Unset(t *testing.T) {
	cfg, err := Parse([]byte("name: ${UNSET_MNEMO_VAR}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Should keep original if not found
	if cfg.Name != "${UNSET_MNEMO_VAR}" {
		t.Errorf("expected uninterpolated value, got %s", cfg.Name)
	}
}

func TestLoad_APIKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "sk-oai")

	cfg, err := Parse([]byte("model:\n  provider: anthropic\n  name: claude-sonnet-4-20250514\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.APIKey != "sk-ant" {
		t.Errorf("expected anthropic key, got %q", cfg.Model.APIKey)
	}

	cfg, err = Parse([]byte("name: x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.APIKey != "sk-oai" {
		t.Errorf("expected openai key, got %q", cfg.Model.APIKey)
	}
}

func TestModelProvider(t *testing.T) {
	tests := []struct {
		provider, name     string
		wantProv, wantName string
	}{
		{"", "openai/gpt-4.1-mini", "openai", "gpt-4.1-mini"},
		{"anthropic", "claude-sonnet-4-20250514", "anthropic", "claude-sonnet-4-20250514"},
		{"openai", "openai/gpt-4o", "openai", "gpt-4o"},
		{"openai", "meta-llama/llama-3", "openai", "meta-llama/llama-3"},
	}
	for _, tt := range tests {
		m := ModelConfig{Provider: tt.provider, Name: tt.name}
		p, n := m.ModelProvider()
		if p != tt.wantProv || n != tt.wantName {
			t.Errorf("ModelProvider(%q, %q) = %s, %s; want %s, %s", tt.provider, tt.name, p, n, tt.wantProv, tt.wantName)
		}
	}
}

func TestLoadTools_MergesDirectoryAndInline(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if err := os.MkdirAll("tools", 0755); err != nil {
		t.Fatal(err)
	}
	toolYAML := "name: weather\ndescription: look up weather\nprovider: http\nconfig:\n  url: http://example.invalid\n"
	if err := os.WriteFile(filepath.Join("tools", "weather.yaml"), []byte(toolYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Tools = []ToolConfig{{Name: "multiply", Provider: "builtin"}}

	tools, err := LoadTools(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "weather" || tools[1].Name != "multiply" {
		t.Errorf("unexpected tools: %+v", tools)
	}
}

func TestLoadToolList_YMLAndSorted(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	names, err := LoadToolList()
	if err != nil || len(names) != 0 {
		t.Fatalf("expected no tools without a tools dir, got %v, %v", names, err)
	}

	os.MkdirAll(ToolsDir, 0755)
	files := map[string]string{
		"zip.yml":    "name: zip\ndescription: zip files\nprovider: exec\nconfig:\n  command: zip {{file}}\n",
		"clock.yaml": "name: clock\ndescription: time\nprovider: exec\nconfig:\n  command: date\n",
		"notes.txt":  "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(ToolsDir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	names, err = LoadToolList()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "clock" || names[1] != "zip" {
		t.Fatalf("unexpected names: %v", names)
	}
	tc, err := LoadTool("zip")
	if err != nil {
		t.Fatalf("LoadTool(.yml): %v", err)
	}
	if tc.Provider != "exec" {
		t.Errorf("unexpected tool: %+v", tc)
	}
}
