package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mnemo-oss/mnemo/internal/config"
	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

// Session is an initialized connection to one MCP server.
type Session struct {
	name   string
	client *client.Client
}

// NewSession starts and initializes c.
func NewSession(ctx context.Context, name, version string, c *client.Client) (*Session, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp client %s: %w", name, err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: serverName, Version: version}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", name, err)
	}
	return &Session{name: name, client: c}, nil
}

// Dial spawns the server described by cfg over stdio.
func Dial(ctx context.Context, cfg config.MCPServerConfig, version string) (*Session, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn mcp server %s: %w", cfg.Name, err)
	}
	return NewSession(ctx, cfg.Name, version, c)
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.name }

// Tools lists the server's tools as tool.Tool values.
func (s *Session) Tools(ctx context.Context) ([]tool.Tool, error) {
	res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", s.name, err)
	}

	tools := make([]tool.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := schemaOf(t)
		if err != nil {
			return nil, fmt.Errorf("tool %s from %s: %w", t.Name, s.name, err)
		}
		tools = append(tools, &RemoteTool{session: s, name: t.Name, description: t.Description, schema: schema})
	}
	return tools, nil
}

// Close terminates the connection.
func (s *Session) Close() error {
	return s.client.Close()
}

func schemaOf(t mcp.Tool) (map[string]interface{}, error) {
	raw := t.RawInputSchema
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(t.InputSchema); err != nil {
			return nil, err
		}
	}
	schema := map[string]interface{}{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema, nil
}

// RemoteTool is a tool served by an MCP server.
type RemoteTool struct {
	session     *Session
	name        string
	description string
	schema      map[string]interface{}
}

func (t *RemoteTool) Name() string        { return t.name }
func (t *RemoteTool) Description() string { return t.description }

// Parameters returns the schema properties.
func (t *RemoteTool) Parameters() map[string]interface{} {
	props, _ := t.schema["properties"].(map[string]interface{})
	return props
}

// InputSchema returns the server-provided schema unchanged.
func (t *RemoteTool) InputSchema() map[string]interface{} {
	return t.schema
}

// Execute calls the tool. Transport failures are transient; a result flagged
// as an error by the server is a plain error carrying its text.
func (t *RemoteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	arguments := map[string]interface{}{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = arguments

	res, err := t.session.client.CallTool(ctx, req)
	if err != nil {
		return "", mnemoerr.Transient(fmt.Sprintf("mcp call %s/%s failed", t.session.name, t.name), err)
	}

	text := resultText(res)
	if res.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

func (t *RemoteTool) Test(ctx context.Context) (string, error) {
	return fmt.Sprintf("mcp tool %q served by %s", t.name, t.session.name), nil
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Manager owns the sessions opened for discovery.
type Manager struct {
	mu       sync.Mutex
	sessions []*Session
	logger   *telemetry.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *telemetry.Logger) *Manager {
	return &Manager{logger: logger}
}

// Connect dials every configured server and registers its tools in reg.
// A server that fails to start is logged and skipped.
func (m *Manager) Connect(ctx context.Context, servers []config.MCPServerConfig, reg *tool.Registry, version string) error {
	for _, cfg := range servers {
		sess, err := Dial(ctx, cfg, version)
		if err != nil {
			m.logger.Warn("mcp server unavailable", "server", cfg.Name, "error", err)
			continue
		}
		if err := m.Add(ctx, sess, reg); err != nil {
			m.logger.Warn("mcp tool discovery failed", "server", cfg.Name, "error", err)
		}
	}
	return nil
}

// Add registers sess's tools in reg and takes ownership of sess.
func (m *Manager) Add(ctx context.Context, sess *Session, reg *tool.Registry) error {
	m.mu.Lock()
	m.sessions = append(m.sessions, sess)
	m.mu.Unlock()

	tools, err := sess.Tools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		reg.RegisterFrom(sess.Name(), t)
	}
	m.logger.Info("discovered mcp tools", "server", sess.Name(), "count", len(tools))
	return nil
}

// Close closes every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.sessions = nil
	return firstErr
}
