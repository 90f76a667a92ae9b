package message

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 3

// Counter estimates the token cost of a message.
type Counter interface {
	Count(m Message) int
}

// ApproximateCounter charges one token per four characters of text.
type ApproximateCounter struct{}

// Count implements Counter.
func (ApproximateCounter) Count(m Message) int {
	chars := len(m.Content) + len(m.Role)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Args) + len(tc.ID)
	}
	return (chars+3)/4 + perMessageOverhead
}

// TiktokenCounter counts tokens with a BPE codec.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter returns a counter using the cl100k_base encoding.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &TiktokenCounter{codec: codec}, nil
}

// Count implements Counter. Text the codec rejects falls back to the
// approximate count.
func (c *TiktokenCounter) Count(m Message) int {
	n := perMessageOverhead + c.tokens(string(m.Role))
	n += c.tokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += c.tokens(tc.Name) + c.tokens(string(tc.Args))
	}
	return n
}

func (c *TiktokenCounter) tokens(s string) int {
	if s == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(s)
	if err != nil {
		return (len(s) + 3) / 4
	}
	return len(ids)
}

// NewCounter returns the counter named by the conversation.token_counter
// setting.
func NewCounter(name string) (Counter, error) {
	switch name {
	case "", "approximate":
		return ApproximateCounter{}, nil
	case "tiktoken":
		return NewTiktokenCounter()
	default:
		return nil, fmt.Errorf("unknown token counter: %s", name)
	}
}
