package tool

import (
	"fmt"
	"regexp"
	"time"

	"github.com/mnemo-oss/mnemo/internal/config"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// placeholders returns the distinct {{name}} placeholders of a template in
// order of first appearance.
func placeholders(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// templateParameters builds argument properties for a templated tool. An
// explicit "parameters" map in the tool config wins; otherwise every
// placeholder becomes a string argument. A template without placeholders
// takes a single free-form "input".
func templateParameters(cfg *config.ToolConfig, tmpl string) map[string]interface{} {
	if explicit, ok := cfg.Config["parameters"].(map[string]interface{}); ok && len(explicit) > 0 {
		return explicit
	}
	names := placeholders(tmpl)
	if len(names) == 0 {
		names = []string{"input"}
	}
	props := make(map[string]interface{}, len(names))
	for _, n := range names {
		props[n] = map[string]interface{}{"type": "string", "description": "Value for " + n}
	}
	return props
}

// LoadToolsFromConfig creates the tools declared under tools: in the
// config file.
func LoadToolsFromConfig(configs []config.ToolConfig) ([]Tool, error) {
	tools := make([]Tool, 0, len(configs))
	for i := range configs {
		t, err := toolFromConfig(&configs[i])
		if err != nil {
			return nil, fmt.Errorf("failed to create tool %s: %w", configs[i].Name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func toolFromConfig(cfg *config.ToolConfig) (Tool, error) {
	var timeout time.Duration
	if s, _ := cfg.Config["timeout"].(string); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		timeout = d
	}

	switch cfg.Provider {
	case "exec":
		command, _ := cfg.Config["command"].(string)
		if command == "" {
			return nil, fmt.Errorf("exec tool %q requires a 'command' in config", cfg.Name)
		}
		t := NewExecTool(cfg.Name, cfg.Description, command)
		t.params = templateParameters(cfg, command)
		if timeout > 0 {
			t.SetTimeout(timeout)
		}
		if dir, _ := cfg.Config["dir"].(string); dir != "" {
			t.SetWorkingDir(dir)
		}
		return t, nil

	case "http":
		url, _ := cfg.Config["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("http tool %q requires a 'url' in config", cfg.Name)
		}
		method, _ := cfg.Config["method"].(string)
		headers := map[string]string{}
		if hdr, ok := cfg.Config["headers"].(map[string]interface{}); ok {
			for k, v := range hdr {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		t := NewHTTPTool(cfg.Name, cfg.Description, url, method, headers)
		t.params = templateParameters(cfg, url)
		if timeout > 0 {
			t.SetTimeout(timeout)
		}
		return t, nil

	case "builtin", "":
		return GetBuiltin(cfg.Name)
	}
	return nil, fmt.Errorf("unknown tool provider: %s", cfg.Provider)
}

// RegisterFromConfig loads configured tools into r under the "config"
// source.
func RegisterFromConfig(r *Registry, configs []config.ToolConfig) error {
	tools, err := LoadToolsFromConfig(configs)
	if err != nil {
		return err
	}
	for _, t := range tools {
		r.RegisterFrom("config", t)
	}
	return nil
}
