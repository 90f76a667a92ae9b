package tool

import (
	"fmt"

	"github.com/mnemo-oss/mnemo/internal/tool/builtin"
)

// Builtins returns fresh instances of every built-in tool.
func Builtins() []Tool {
	return []Tool{
		builtin.NewMultiplyTool(),
	}
}

// IsBuiltin checks if a tool name is a built-in tool
func IsBuiltin(name string) bool {
	for _, t := range Builtins() {
		if t.Name() == name {
			return true
		}
	}
	return false
}

// GetBuiltin returns a built-in tool by name
func GetBuiltin(name string) (Tool, error) {
	for _, t := range Builtins() {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unknown builtin tool: %s", name)
}

// RegisterBuiltins adds every built-in tool to r.
func RegisterBuiltins(r *Registry) {
	for _, t := range Builtins() {
		r.RegisterFrom("builtin", t)
	}
}

// ListBuiltins returns information about all built-in tools
func ListBuiltins() []ToolInfo {
	builtins := Builtins()
	infos := make([]ToolInfo, 0, len(builtins))
	for _, t := range builtins {
		infos = append(infos, ToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			Source:      "builtin",
		})
	}
	return infos
}
