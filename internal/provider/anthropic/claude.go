// Package anthropic adapts the Anthropic Messages API to provider.Provider.
package anthropic

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
)

const defaultModel = "claude-sonnet-4-20250514"

// Client implements the Anthropic provider
type Client struct {
	api    sdk.Client
	apiKey string
	model  string
}

// NewClient creates a new Anthropic client. Retries are disabled in the SDK
// because node-level retry owns that concern.
func NewClient(apiKey, model string, opts ...option.RequestOption) *Client {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = defaultModel
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &Client{
		api:    sdk.NewClient(opts...),
		apiKey: apiKey,
		model:  model,
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return "anthropic"
}

// Complete sends a completion request to Claude
func (c *Client) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.Response, error) {
	if c.apiKey == "" {
		return nil, mnemoerr.New(mnemoerr.CodeAPIKeyMissing, "ANTHROPIC_API_KEY not set").
			WithSuggestion("Set the ANTHROPIC_API_KEY environment variable or add model.api_key to mnemo.yaml")
	}

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	return parseResponse(resp), nil
}

// buildParams converts our request to Anthropic API params. Consecutive tool
// results are folded into one user turn as the API requires.
func (c *Client) buildParams(req *provider.CompletionRequest) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	var pendingResults []sdk.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			params.Messages = append(params.Messages, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case message.RoleSystem:
			// Inline system messages are merged into the system prompt.
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case message.RoleUser:
			flush()
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case message.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &input); err != nil {
						return params, fmt.Errorf("tool call %s has invalid arguments: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case message.RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		}
	}
	flush()

	for _, t := range req.Tools {
		schema := sdk.ToolInputSchemaParam{Properties: t.InputSchema["properties"]}
		if required, ok := t.InputSchema["required"].([]string); ok {
			schema.Required = required
		} else if required, ok := t.InputSchema["required"].([]interface{}); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		params.Tools = append(params.Tools, sdk.ToolUnionParam{OfTool: &sdk.ToolParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			InputSchema: schema,
		}})
	}

	return params, nil
}

// parseResponse folds the content blocks into a single assistant message.
func parseResponse(resp *sdk.Message) *provider.Response {
	msg := message.Message{
		ID:        resp.ID,
		Role:      message.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, message.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	msg.Content = strings.Join(text, "\n")

	return &provider.Response{
		Messages:   []message.Message{msg},
		StopReason: string(resp.StopReason),
		Usage: provider.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}

// classify marks network failures and retryable API statuses as transient.
func classify(err error) error {
	var apiErr *sdk.Error
	if stderrors.As(err, &apiErr) {
		msg := fmt.Sprintf("API error (status %d)", apiErr.StatusCode)
		if provider.IsRetryableStatus(apiErr.StatusCode) {
			return mnemoerr.Transient(msg, err)
		}
		return mnemoerr.Wrap(mnemoerr.CodeProviderError, msg, err)
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return mnemoerr.Transient("request failed", err)
}
