package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/retry"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// TagExtraction tags model calls made by extraction managers.
const TagExtraction = "memory_extraction"

const upsertTool = "upsert_memory"

// existingLimit caps how many stored memories are shown to the model.
const existingLimit = 50

const basePrompt = `You are a long-term memory manager. Read the conversation and record what is worth remembering about the user by calling the upsert_memory tool. Only record information stated or clearly implied in the conversation. When nothing new is worth remembering, reply without calling any tool.`

const insertGuidance = `Each memory is a separate record. To correct or extend an existing memory, pass its id. Omit the id to create a new memory.`

const patchGuidance = `All knowledge of this kind lives in a single document. Each call replaces the whole document, so always write the complete, updated content.`

// TypeSpec describes one memory type.
type TypeSpec struct {
	Name         string
	Mode         UpdateMode
	Instructions string
}

// ManagerOptions holds what every extraction manager shares.
type ManagerOptions struct {
	Provider  provider.Provider
	Model     string
	MaxTokens int
	Store     Store
	MaxSteps  int
	Retry     retry.Policy
	Logger    *telemetry.Logger
	Metrics   *telemetry.Metrics
}

// Manager extracts one memory type from a conversation. It gives the model
// the upsert_memory tool and the memories already stored, then applies the
// calls it makes until it stops calling or MaxSteps is reached.
type Manager struct {
	spec TypeSpec
	opts ManagerOptions
}

// NewManager creates an extraction manager for spec.
func NewManager(spec TypeSpec, opts ManagerOptions) (*Manager, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("memory type name is required")
	}
	switch spec.Mode {
	case ModeInsert, ModePatch:
	case "":
		spec.Mode = ModeInsert
	default:
		return nil, fmt.Errorf("memory type %s has unknown update mode %q", spec.Name, spec.Mode)
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("memory type %s: provider is required", spec.Name)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("memory type %s: store is required", spec.Name)
	}
	if opts.MaxSteps < 1 {
		opts.MaxSteps = 1
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger(false)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	return &Manager{spec: spec, opts: opts}, nil
}

// Name returns the memory type name.
func (m *Manager) Name() string {
	return m.spec.Name
}

// Spec returns the memory type this manager extracts.
func (m *Manager) Spec() TypeSpec {
	return m.spec
}

// Extract runs the extraction loop for userID over msgs and returns the number
// of memories written. Writes go only to ("memories", userID, type).
func (m *Manager) Extract(ctx context.Context, userID string, msgs []message.Message) (int, error) {
	ns := ForType(userID, m.spec.Name)
	if err := ns.Validate(); err != nil {
		return 0, err
	}

	existing, err := m.existing(ctx, ns)
	if err != nil {
		return 0, mnemoerr.Wrap(mnemoerr.CodeStoreError, "failed to load existing memories", err)
	}
	known := make(map[string]bool, len(existing))
	for _, it := range existing {
		known[it.ID] = true
	}

	req := &provider.CompletionRequest{
		Model:     m.opts.Model,
		System:    m.systemPrompt(existing),
		Messages:  []message.Message{message.NewUser(Transcript(msgs))},
		Tools:     []provider.Tool{m.tool()},
		MaxTokens: m.opts.MaxTokens,
		Tags:      []string{TagExtraction},
	}
	logger := m.opts.Logger.WithTrace(ctx).With("memory_type", m.spec.Name, "user_id", userID)

	writes := 0
	for step := 0; step < m.opts.MaxSteps; step++ {
		reply, err := m.complete(ctx, req)
		if err != nil {
			return writes, err
		}
		req.Messages = append(req.Messages, reply)
		if !reply.HasToolCalls() {
			break
		}

		for _, call := range reply.ToolCalls {
			result, isErr, wrote, err := m.apply(ctx, ns, call, known)
			if err != nil {
				return writes, err
			}
			if wrote {
				writes++
			}
			req.Messages = append(req.Messages, message.NewToolResult(call.ID, call.Name, result, isErr))
		}
		logger.Debug("Extraction step finished", "step", step+1, "writes", writes)
	}

	return writes, nil
}

func (m *Manager) complete(ctx context.Context, req *provider.CompletionRequest) (message.Message, error) {
	return retry.Value(ctx, m.opts.Retry, func(ctx context.Context) (message.Message, error) {
		start := time.Now()
		m.opts.Metrics.IncModelCalls()
		resp, err := m.opts.Provider.Complete(ctx, req)
		m.opts.Metrics.RecordModelLatency(time.Since(start))
		if err != nil {
			return message.Message{}, err
		}
		return provider.SingleAssistant(resp)
	}, func(attempt int, delay time.Duration, err error) {
		m.opts.Metrics.IncNodeRetries()
		m.opts.Logger.WithTrace(ctx).Warn("Retrying extraction model call",
			"memory_type", m.spec.Name,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	})
}

type upsertArgs struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// apply executes one tool call. Bad arguments are reported back to the model;
// store failures abort the extraction.
func (m *Manager) apply(ctx context.Context, ns Namespace, call message.ToolCall, known map[string]bool) (string, bool, bool, error) {
	if call.Name != upsertTool {
		return fmt.Sprintf("Error: unknown tool %q", call.Name), true, false, nil
	}

	var args upsertArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %s", err), true, false, nil
	}
	args.Content = strings.TrimSpace(args.Content)
	if args.Content == "" {
		return "Error: content is required", true, false, nil
	}

	item := Item{Content: args.Content}
	if m.spec.Mode == ModeInsert && known[args.ID] {
		item.ID = args.ID
	}

	stored, err := m.opts.Store.Put(ctx, ns, item, m.spec.Mode)
	if err != nil {
		return "", false, false, mnemoerr.Wrap(mnemoerr.CodeStoreError, "failed to write memory", err)
	}
	known[stored.ID] = true
	return fmt.Sprintf("Stored memory %s", stored.ID), false, true, nil
}

func (m *Manager) existing(ctx context.Context, ns Namespace) ([]Item, error) {
	if m.spec.Mode == ModePatch {
		it, err := m.opts.Store.Get(ctx, ns, PatchID(ns))
		if err != nil || it == nil {
			return nil, err
		}
		return []Item{*it}, nil
	}
	return m.opts.Store.List(ctx, ns, existingLimit)
}

func (m *Manager) tool() provider.Tool {
	props := map[string]interface{}{
		"content": map[string]interface{}{
			"type":        "string",
			"description": "The memory content.",
		},
	}
	desc := "Create or update a memory about the user."
	if m.spec.Mode == ModeInsert {
		props["id"] = map[string]interface{}{
			"type":        "string",
			"description": "ID of an existing memory to update. Omit to create a new memory.",
		}
	} else {
		desc = "Replace the memory document about the user."
	}
	return provider.Tool{
		Name:        upsertTool,
		Description: desc,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   []string{"content"},
		},
	}
}

func (m *Manager) systemPrompt(existing []Item) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	if m.spec.Mode == ModePatch {
		b.WriteString(patchGuidance)
	} else {
		b.WriteString(insertGuidance)
	}
	if m.spec.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(m.spec.Instructions)
	}

	b.WriteString("\n\n<existing>\n")
	if len(existing) == 0 {
		b.WriteString("(none)\n")
	}
	for _, it := range existing {
		fmt.Fprintf(&b, "[%s]: %s\n", it.ID, it.Content)
	}
	b.WriteString("</existing>")
	return b.String()
}

// Transcript renders a conversation as plain text for an extraction prompt.
// System messages are left out.
func Transcript(msgs []message.Message) string {
	var b strings.Builder
	b.WriteString("<conversation>\n")
	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleSystem:
			continue
		case message.RoleTool:
			fmt.Fprintf(&b, "tool (%s): %s\n", msg.ToolName, msg.Content)
		default:
			if msg.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				fmt.Fprintf(&b, "%s called %s(%s)\n", msg.Role, tc.Name, string(tc.Args))
			}
		}
	}
	b.WriteString("</conversation>\n\nUpdate the memories based on the conversation above.")
	return b.String()
}
