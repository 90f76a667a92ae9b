// Package builtin provides tools that ship with mnemo.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// MultiplyTool multiplies two numbers.
type MultiplyTool struct{}

// NewMultiplyTool creates a new multiply tool
func NewMultiplyTool() *MultiplyTool {
	return &MultiplyTool{}
}

// Name returns the tool name
func (t *MultiplyTool) Name() string {
	return "multiply"
}

// Description returns the tool description
func (t *MultiplyTool) Description() string {
	return "Multiply two numbers and return the product."
}

// Parameters returns the JSON schema for the tool parameters
func (t *MultiplyTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"x": map[string]interface{}{
			"type":        "number",
			"description": "The first number to multiply",
		},
		"y": map[string]interface{}{
			"type":        "number",
			"description": "The second number to multiply",
		},
	}
}

// Required lists the mandatory arguments.
func (t *MultiplyTool) Required() []string {
	return []string{"x", "y"}
}

type multiplyArgs struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// Execute multiplies x and y. Integral results are rendered without a
// decimal point.
func (t *MultiplyTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params multiplyArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if params.X == nil || params.Y == nil {
		return "", fmt.Errorf("both x and y are required")
	}
	return strconv.FormatFloat(*params.X**params.Y, 'f', -1, 64), nil
}

// Test verifies the tool is working
func (t *MultiplyTool) Test(ctx context.Context) (string, error) {
	out, err := t.Execute(ctx, json.RawMessage(`{"x":6,"y":7}`))
	if err != nil {
		return "", err
	}
	if out != "42" {
		return "", fmt.Errorf("multiply(6, 7) = %s", out)
	}
	return "multiply(6, 7) = 42", nil
}
