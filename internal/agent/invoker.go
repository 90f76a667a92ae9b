package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// TagModelCall tags every conversation model call.
const TagModelCall = "model_call"

// Invoker builds one model request from a thread and returns the model's
// reply.
type Invoker struct {
	provider  provider.Provider
	model     string
	maxTokens int
	timeout   time.Duration
	template  string
	trimmer   *message.Trimmer
	budget    int
	retriever *memory.Retriever
	tools     func() []provider.Tool
	now       func() time.Time
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// InvokerOptions configures an Invoker. Retriever and Tools are optional.
type InvokerOptions struct {
	Provider     provider.Provider
	Model        string
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
	Trimmer      *message.Trimmer
	Budget       int
	Retriever    *memory.Retriever
	Tools        func() []provider.Tool
	Now          func() time.Time
	Logger       *telemetry.Logger
	Metrics      *telemetry.Metrics
}

// NewInvoker creates an invoker.
func NewInvoker(opts InvokerOptions) *Invoker {
	if opts.Trimmer == nil {
		opts.Trimmer = message.NewTrimmer(message.ApproximateCounter{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tools == nil {
		opts.Tools = func() []provider.Tool { return nil }
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger(false)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	return &Invoker{
		provider:  opts.Provider,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
		template:  opts.SystemPrompt,
		trimmer:   opts.Trimmer,
		budget:    opts.Budget,
		retriever: opts.Retriever,
		tools:     opts.Tools,
		now:       opts.Now,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// RenderSystemPrompt fills the {user_info} and {time} slots of template.
func RenderSystemPrompt(template, userInfo string, now time.Time) string {
	return strings.NewReplacer(
		"{user_info}", userInfo,
		"{time}", now.UTC().Format(time.RFC3339),
	).Replace(template)
}

// Invoke asks the model for the next assistant message of the thread. The
// model must return exactly one assistant message.
func (i *Invoker) Invoke(ctx context.Context, userID string, msgs []message.Message) (message.Message, error) {
	userInfo := ""
	if i.retriever != nil {
		items, err := i.retriever.Retrieve(ctx, userID, msgs)
		if err != nil {
			return message.Message{}, mnemoerr.Transient("memory search failed", err)
		}
		userInfo = memory.FormatMemories(items)
	}

	window := msgs
	if i.budget > 0 {
		window = i.trimmer.Trim(msgs, i.budget)
	}

	req := &provider.CompletionRequest{
		Model:     i.model,
		System:    RenderSystemPrompt(i.template, userInfo, i.now()),
		Messages:  window,
		Tools:     i.tools(),
		MaxTokens: i.maxTokens,
		Tags:      []string{TagModelCall},
	}

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	i.metrics.IncModelCalls()
	resp, err := i.provider.Complete(callCtx, req)
	i.metrics.RecordModelLatency(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return message.Message{}, mnemoerr.Transient(fmt.Sprintf("model call timed out after %s", i.timeout), err)
		}
		return message.Message{}, err
	}

	reply, err := provider.SingleAssistant(resp)
	if err != nil {
		return message.Message{}, err
	}

	i.logger.WithTrace(ctx).Debug("Model replied",
		"tags", TagModelCall,
		"window", len(window),
		"tool_calls", len(reply.ToolCalls),
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return reply, nil
}
