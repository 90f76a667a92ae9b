// Package provider defines the model adapter contract and its rate-limited
// wrapper. Concrete adapters live in subpackages.
package provider

import (
	"context"
	"fmt"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
)

// Tool describes a callable tool bound to a model request.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"` // JSON schema, type "object"
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Model     string            `json:"model"`
	System    string            `json:"system"`
	Messages  []message.Message `json:"messages"`
	Tools     []Tool            `json:"tools,omitempty"`
	MaxTokens int               `json:"max_tokens"`
	Tags      []string          `json:"tags,omitempty"`
}

// Response is what an adapter produced for one request. A well-behaved
// adapter returns exactly one assistant message; callers enforce that.
type Response struct {
	Messages   []message.Message `json:"messages"`
	StopReason string            `json:"stop_reason"`
	Usage      Usage             `json:"usage"`
}

// Usage tracks token usage
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Complete sends a completion request
	Complete(ctx context.Context, req *CompletionRequest) (*Response, error)
}

// IsRetryableStatus reports whether an HTTP status from a model API is a
// transient failure.
func IsRetryableStatus(status int) bool {
	switch status {
	case 408, 409, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

// SingleAssistant returns the one assistant message of resp. Any other shape
// is a contract violation.
func SingleAssistant(resp *Response) (message.Message, error) {
	if resp == nil {
		return message.Message{}, mnemoerr.ContractViolation("model returned no response")
	}
	if len(resp.Messages) != 1 {
		return message.Message{}, mnemoerr.ContractViolation(
			fmt.Sprintf("model returned %d messages, expected exactly one", len(resp.Messages)))
	}
	msg := resp.Messages[0]
	if msg.Role != message.RoleAssistant {
		return message.Message{}, mnemoerr.ContractViolation(
			fmt.Sprintf("model returned a %s message, expected assistant", msg.Role))
	}
	return msg, nil
}
