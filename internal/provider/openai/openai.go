// Package openai adapts OpenAI and OpenAI-compatible chat completion APIs to
// provider.Provider.
package openai

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
)

const defaultModel = "gpt-4.1-mini"

// Client implements the OpenAI provider
type Client struct {
	api    *goopenai.Client
	apiKey string
	model  string
}

// NewClient creates a client. baseURL selects an OpenAI-compatible endpoint
// and may be empty.
func NewClient(apiKey, model, baseURL string) *Client {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{
		api:    goopenai.NewClientWithConfig(cfg),
		apiKey: apiKey,
		model:  model,
	}
}

// API exposes the underlying client for the embeddings adapter.
func (c *Client) API() *goopenai.Client {
	return c.api
}

// Name returns the provider name
func (c *Client) Name() string {
	return "openai"
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.Response, error) {
	if c.apiKey == "" {
		return nil, mnemoerr.New(mnemoerr.CodeAPIKeyMissing, "OPENAI_API_KEY not set").
			WithSuggestion("Set the OPENAI_API_KEY environment variable or add model.api_key to mnemo.yaml")
	}

	apiReq := c.buildRequest(req)
	resp, err := c.api.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, classify(err)
	}

	return parseResponse(resp), nil
}

func (c *Client) buildRequest(req *provider.CompletionRequest) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	apiReq := goopenai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: req.MaxTokens,
	}

	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, m := range req.Messages {
		msg := goopenai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case message.RoleSystem:
			msg.Role = goopenai.ChatMessageRoleSystem
		case message.RoleUser:
			msg.Role = goopenai.ChatMessageRoleUser
		case message.RoleAssistant:
			msg.Role = goopenai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
		case message.RoleTool:
			msg.Role = goopenai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.ToolName
		}
		apiReq.Messages = append(apiReq.Messages, msg)
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return apiReq
}

// parseResponse returns one message per choice so callers can detect an
// adapter that produced more than one.
func parseResponse(resp goopenai.ChatCompletionResponse) *provider.Response {
	out := &provider.Response{
		Usage: provider.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	for i, choice := range resp.Choices {
		id := resp.ID
		if id == "" || len(resp.Choices) > 1 {
			id = uuid.New().String()
		}
		msg := message.Message{
			ID:        id,
			Role:      message.Role(choice.Message.Role),
			Content:   choice.Message.Content,
			CreatedAt: time.Now().UTC(),
		}
		for _, tc := range choice.Message.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, message.ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			})
		}
		out.Messages = append(out.Messages, msg)
		if i == 0 {
			out.StopReason = string(choice.FinishReason)
		}
	}
	return out
}

// classify marks network failures and retryable API statuses as transient.
func classify(err error) error {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case stderrors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case stderrors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return mnemoerr.Transient("request failed", err)
	}

	msg := fmt.Sprintf("API error (status %d)", status)
	if provider.IsRetryableStatus(status) {
		return mnemoerr.Transient(msg, err)
	}
	return mnemoerr.Wrap(mnemoerr.CodeProviderError, msg, err)
}
