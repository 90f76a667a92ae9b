package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/provider"
)

// Tool represents a capability the model can invoke
type Tool interface {
	// Name returns the tool name
	Name() string

	// Description returns a description for the LLM
	Description() string

	// Parameters returns the JSON schema properties of the arguments
	Parameters() map[string]interface{}

	// Execute runs the tool with the given arguments
	Execute(ctx context.Context, args json.RawMessage) (string, error)

	// Test verifies the tool is working
	Test(ctx context.Context) (string, error)
}

// SchemaProvider is implemented by tools that carry a complete JSON schema,
// such as tools discovered over MCP.
type SchemaProvider interface {
	InputSchema() map[string]interface{}
}

// RequiredProvider is implemented by tools with required arguments.
type RequiredProvider interface {
	Required() []string
}

// InputSchema returns the full object schema for t's arguments.
func InputSchema(t Tool) map[string]interface{} {
	if sp, ok := t.(SchemaProvider); ok {
		return sp.InputSchema()
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": t.Parameters(),
	}
	if rp, ok := t.(RequiredProvider); ok && len(rp.Required()) > 0 {
		schema["required"] = rp.Required()
	}
	return schema
}

// ToolInfo provides basic tool information
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source,omitempty"`
}

// Registry manages the tools bound to a runtime. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	sources map[string]string
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		sources: make(map[string]string),
	}
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.RegisterFrom("", tool)
}

// RegisterFrom adds a tool and records where it came from (builtin, config,
// or an MCP server name).
func (r *Registry) RegisterFrom(source string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.sources[tool.Name()] = source
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		available := make([]string, 0, len(r.tools))
		for n := range r.tools {
			available = append(available, n)
		}
		sort.Strings(available)
		return nil, mnemoerr.New(mnemoerr.CodeToolNotFound,
			fmt.Sprintf("tool not found: %s", name)).
			WithSuggestion(fmt.Sprintf("Available tools: %s", strings.Join(available, ", ")))
	}
	return tool, nil
}

// List returns all registered tools sorted by name
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Info returns name, description and source for every tool, sorted by name.
func (r *Registry) Info() []ToolInfo {
	tools := r.List()

	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, ToolInfo{Name: t.Name(), Description: t.Description(), Source: r.sources[t.Name()]})
	}
	return infos
}

// Has checks if a tool is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns tool definitions for binding to a model request.
func (r *Registry) Definitions() []provider.Tool {
	tools := r.List()
	defs := make([]provider.Tool, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, provider.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: InputSchema(t),
		})
	}
	return defs
}
