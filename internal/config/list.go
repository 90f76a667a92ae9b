package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ToolsDir holds one YAML file per tool definition.
const ToolsDir = "tools"

// LoadToolList returns the sorted names of the tool files in ToolsDir. A
// missing directory has no tools.
func LoadToolList() ([]string, error) {
	entries, err := os.ReadDir(ToolsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// toolFile returns the path of a tool definition, preferring .yaml.
func toolFile(name string) string {
	p := filepath.Join(ToolsDir, name+".yaml")
	if _, err := os.Stat(p); err != nil {
		if alt := filepath.Join(ToolsDir, name+".yml"); fileExists(alt) {
			return alt
		}
	}
	return p
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// LoadTools returns the tool definitions in ToolsDir followed by those
// declared inline in cfg. An inline definition replaces a file of the same
// name.
func LoadTools(cfg *Config) ([]ToolConfig, error) {
	names, err := LoadToolList()
	if err != nil {
		return nil, err
	}

	inline := make(map[string]bool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		inline[t.Name] = true
	}

	tools := make([]ToolConfig, 0, len(names)+len(cfg.Tools))
	for _, name := range names {
		if inline[name] {
			continue
		}
		t, err := LoadTool(name)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *t)
	}
	return append(tools, cfg.Tools...), nil
}
