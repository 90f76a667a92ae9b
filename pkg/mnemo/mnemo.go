// Package mnemo provides a public API for the mnemo conversation runtime.
//
// Example usage:
//
//	import "github.com/mnemo-oss/mnemo/pkg/mnemo"
//
//	// One turn; pending memory extraction runs before Chat returns
//	reply, err := mnemo.Chat("ada-1", "My name is Ada and I like hiking")
//
//	// A long-lived client
//	client, err := mnemo.Open(ctx, ".")
//	defer client.Close()
//	reply, err := client.Chat(ctx, "ada-1", "What do I like?")
//	memories, err := client.Memories(ctx, "hobbies", 5)
package mnemo

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemo-oss/mnemo/internal/agent"
	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/config"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
)

// Version is announced to MCP servers.
const Version = "dev"

// Config is the mnemo.yaml configuration.
type Config = config.Config

// DefaultConfig returns the configuration used when no mnemo.yaml exists.
func DefaultConfig() *Config {
	return config.Default()
}

// Memory is a stored long-term memory.
type Memory = memory.Item

// Message is a single entry in a thread.
type Message = message.Message

// Reply is the result of one conversation turn.
type Reply struct {
	RunID    string
	ThreadID string
	Content  string
	// Iterations counts model calls made during the turn.
	Iterations int
	// MemoryRunID is the scheduled memory run, empty when none was scheduled.
	MemoryRunID string
	Duration    time.Duration
}

// Client holds an open mnemo runtime and its stores.
type Client struct {
	app *app.App
}

// Open loads mnemo.yaml from dir and starts a runtime. A missing file
// yields the default configuration.
func Open(ctx context.Context, dir string) (*Client, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return OpenConfig(ctx, cfg)
}

// OpenConfig starts a runtime for cfg.
func OpenConfig(ctx context.Context, cfg *Config) (*Client, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a, err := app.Build(ctx, cfg, app.Options{Conversation: true, Version: Version})
	if err != nil {
		return nil, err
	}
	return &Client{app: a}, nil
}

// Chat runs one turn on threadID as the configured user.
func (c *Client) Chat(ctx context.Context, threadID, content string) (*Reply, error) {
	return c.ChatAs(ctx, c.app.Config.Memory.UserID, threadID, content)
}

// ChatAs runs one turn on threadID as userID.
func (c *Client) ChatAs(ctx context.Context, userID, threadID, content string) (*Reply, error) {
	out, err := c.app.Runtime.Run(ctx, agent.Input{
		ThreadID: threadID,
		UserID:   userID,
		Message:  message.NewUser(content),
	})
	if err != nil {
		return nil, err
	}
	return &Reply{
		RunID:       out.RunID,
		ThreadID:    out.ThreadID,
		Content:     out.Message.Content,
		Iterations:  out.Iterations,
		MemoryRunID: out.MemoryRunID,
		Duration:    out.Duration,
	}, nil
}

// Thread returns the messages of threadID, oldest first.
func (c *Client) Thread(ctx context.Context, threadID string) ([]Message, error) {
	return c.app.Threads.Messages(ctx, threadID)
}

// Memories searches the configured user's memories. An empty query lists
// the most recent ones.
func (c *Client) Memories(ctx context.Context, query string, limit int) ([]Memory, error) {
	ns := memory.ForUser(c.app.Config.Memory.UserID)
	if query == "" {
		return c.app.Memories.List(ctx, ns, limit)
	}
	return c.app.Memories.Search(ctx, ns, query, limit)
}

// Flush runs pending debounced memory extraction and waits for it.
func (c *Client) Flush(ctx context.Context) error {
	return c.app.WaitMemories(ctx)
}

// Close releases the runtime and its stores.
func (c *Client) Close() error {
	return c.app.Close()
}

// Chat runs one turn with the configuration in the working directory and
// returns the assistant's reply.
func Chat(threadID, content string) (string, error) {
	return ChatWithContext(context.Background(), threadID, content)
}

// ChatWithContext runs one turn with a context.
func ChatWithContext(ctx context.Context, threadID, content string) (string, error) {
	client, err := Open(ctx, ".")
	if err != nil {
		return "", err
	}
	defer client.Close()

	reply, err := client.Chat(ctx, threadID, content)
	if err != nil {
		return "", err
	}
	if err := client.Flush(ctx); err != nil {
		return reply.Content, fmt.Errorf("failed to run memory extraction: %w", err)
	}
	return reply.Content, nil
}
