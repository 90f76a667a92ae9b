// Package app assembles the configured components of a mnemo process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mnemo-oss/mnemo/internal/agent"
	"github.com/mnemo-oss/mnemo/internal/config"
	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/mcp"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/memory/store/chromem"
	"github.com/mnemo-oss/mnemo/internal/memory/store/sqlite"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	anthropicprovider "github.com/mnemo-oss/mnemo/internal/provider/anthropic"
	openaiprovider "github.com/mnemo-oss/mnemo/internal/provider/openai"
	"github.com/mnemo-oss/mnemo/internal/retry"
	"github.com/mnemo-oss/mnemo/internal/scheduler"
	"github.com/mnemo-oss/mnemo/internal/state"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/thread"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

// hookDrainTimeout bounds how long Close waits for non-blocking event hooks.
const hookDrainTimeout = 5 * time.Second

// App holds every component of a running mnemo process. Fields are nil
// when the Options used to build the App left them out.
type App struct {
	Config   *config.Config
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Bus      *event.Bus
	Ledger   *state.Manager
	Threads  thread.Store
	Memories memory.Store
	Provider provider.Provider
	Tools    *tool.Registry
	Registry *memory.Registry
	Runner   *memory.Runner

	Scheduler scheduler.Scheduler
	Debouncer *scheduler.Debouncer // nil unless the timer scheduler is used
	Runtime   *agent.Runtime

	version string
	closers []func() error
}

// Options selects which parts of the App are assembled.
type Options struct {
	// Conversation builds the runtime and the scheduler it feeds.
	Conversation bool
	// SkipMCP leaves out tools discovered from configured MCP servers.
	SkipMCP bool
	// Storage opens the stores only; no model provider is needed.
	Storage bool
	// Verbose forces debug logging.
	Verbose bool
	// Version is announced to MCP servers.
	Version string
}

// NewLogger creates the logger described by cfg.Logging.
func NewLogger(cfg *config.Config, verbose bool) (*telemetry.Logger, error) {
	return telemetry.NewLoggerWithOptions(telemetry.LogOptions{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}, verbose)
}

// RetryPolicy converts the retry configuration.
func RetryPolicy(cfg *config.Config) (retry.Policy, error) {
	initial, max, err := cfg.Retry.ParsedBackoff()
	if err != nil {
		return retry.Policy{}, mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "invalid retry backoff", err)
	}
	return retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     max,
		JitterFraction: cfg.Retry.Jitter,
	}, nil
}

// Build wires the configured components. The caller must call Close.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger, err := NewLogger(cfg, opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Metrics: telemetry.NewMetrics(), version: opts.Version}
	a.closers = append(a.closers, logger.Close)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Logging.MetricsFile != "" {
		exporter, err := telemetry.NewJSONFileExporter(cfg.Logging.MetricsFile)
		if err != nil {
			return nil, err
		}
		a.Metrics.SetExporter(exporter)
		a.closers = append(a.closers, exporter.Close, func() error {
			a.Metrics.Flush("process.exit", map[string]string{"project": cfg.Name})
			return nil
		})
	}

	policy, err := RetryPolicy(cfg)
	if err != nil {
		return nil, err
	}

	if a.Bus, err = event.FromConfig(cfg.Hooks, logger); err != nil {
		return nil, mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "invalid hooks", err)
	}
	if cfg.Logging.MetricsFile != "" {
		a.Bus.Register(&metricsHook{metrics: a.Metrics, project: cfg.Name})
	}
	a.closers = append(a.closers, func() error {
		drainCtx, cancel := context.WithTimeout(context.Background(), hookDrainTimeout)
		defer cancel()
		if err := a.Bus.Drain(drainCtx); err != nil {
			logger.Warn("Event hooks still running at shutdown", "error", err)
		}
		return nil
	})

	if a.Ledger, err = state.NewManager(cfg.State.Driver, cfg.State.Path); err != nil {
		return nil, mnemoerr.Wrap(mnemoerr.CodeStoreError, "failed to open run ledger", err)
	}
	a.closers = append(a.closers, a.Ledger.Close)

	a.Threads, err = thread.Open(ThreadOptions(cfg))
	if err != nil {
		return nil, mnemoerr.Wrap(mnemoerr.CodeStoreError, "failed to open thread store", err)
	}
	a.closers = append(a.closers, a.Threads.Close)

	if err := a.openMemoryStore(); err != nil {
		return nil, err
	}
	if opts.Storage {
		return a, nil
	}

	if a.Provider, err = NewProvider(cfg); err != nil {
		return nil, err
	}

	if err := a.LoadTools(ctx, opts.SkipMCP); err != nil {
		return nil, err
	}

	_, model := cfg.Model.ModelProvider()
	a.Registry, err = memory.BuildRegistry(memory.SpecsFromConfig(cfg.Memory.Types), memory.ManagerOptions{
		Provider:  a.Provider,
		Model:     model,
		MaxTokens: cfg.Model.MaxOutputTokens,
		Store:     a.Memories,
		MaxSteps:  cfg.Memory.MaxExtractionSteps,
		Retry:     policy,
		Logger:    logger,
		Metrics:   a.Metrics,
	})
	if err != nil {
		return nil, mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "invalid memory types", err)
	}
	a.Runner = memory.NewRunner(memory.RunnerOptions{
		Threads: a.Threads,
		FanOut:  memory.NewFanOut(a.Registry, 0, logger, a.Metrics),
		Ledger:  a.Ledger,
		Bus:     a.Bus,
		Logger:  logger,
	})

	if !opts.Conversation {
		return a, nil
	}

	if !cfg.Memory.Disabled {
		if err := a.startScheduler(); err != nil {
			return nil, err
		}
	}
	if err := a.buildRuntime(model, policy); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openMemoryStore() error {
	var embedder memory.Embedder
	switch a.Config.Store.Embedder {
	case "hash":
		embedder = memory.NewHashEmbedder(a.Config.Store.EmbeddingDimensions)
	case "openai":
		apiKey := a.Config.Store.EmbeddingAPIKey
		if apiKey == "" {
			apiKey = a.Config.Model.APIKey
		}
		embedder = openaiprovider.NewEmbedder(apiKey, a.Config.Store.EmbeddingModel, a.Config.Store.EmbeddingBaseURL, a.Config.Store.EmbeddingDimensions)
	default:
		return mnemoerr.New(mnemoerr.CodeConfigInvalid, "unknown embedder: "+a.Config.Store.Embedder)
	}

	cached, err := memory.NewCachedEmbedder(embedder, a.Config.Store.EmbeddingCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create embedding cache: %w", err)
	}
	a.closers = append(a.closers, func() error { cached.Close(); return nil })

	switch a.Config.Store.Driver {
	case "chromem":
		a.Memories, err = chromem.New(a.Config.Store.Path, cached)
	case "sqlite":
		a.Memories, err = sqlite.New(a.Config.Store.Path, cached)
	default:
		return mnemoerr.New(mnemoerr.CodeConfigInvalid, "unknown memory store driver: "+a.Config.Store.Driver)
	}
	if err != nil {
		return mnemoerr.Wrap(mnemoerr.CodeStoreError, "failed to open memory store", err)
	}
	a.closers = append(a.closers, a.Memories.Close)
	return nil
}

// NewProvider creates the configured model adapter, rate limited when
// requests_per_second is set.
func NewProvider(cfg *config.Config) (provider.Provider, error) {
	name, model := cfg.Model.ModelProvider()
	if cfg.Model.APIKey == "" && cfg.Model.BaseURL == "" {
		return nil, mnemoerr.New(mnemoerr.CodeAPIKeyMissing, "no API key configured for "+name).
			WithSuggestion("Set model.api_key or the provider's API key environment variable")
	}

	var p provider.Provider
	switch name {
	case "anthropic":
		var opts []option.RequestOption
		if cfg.Model.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.Model.BaseURL))
		}
		p = anthropicprovider.NewClient(cfg.Model.APIKey, model, opts...)
	case "openai":
		p = openaiprovider.NewClient(cfg.Model.APIKey, model, cfg.Model.BaseURL)
	default:
		return nil, mnemoerr.New(mnemoerr.CodeConfigInvalid, "unsupported model provider: "+name)
	}
	return provider.NewRateLimited(p, cfg.Model.RequestsPerSecond), nil
}

// NewToolset builds an App holding only the logger and the tool registry.
// logger is owned by the caller when non-nil.
func NewToolset(ctx context.Context, cfg *config.Config, logger *telemetry.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: telemetry.NewMetrics(), version: opts.Version}
	if a.Logger == nil {
		var err error
		if a.Logger, err = NewLogger(cfg, opts.Verbose); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		a.closers = append(a.closers, a.Logger.Close)
	}
	if err := a.LoadTools(ctx, opts.SkipMCP); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// LoadTools registers builtins, config-defined tools and tools discovered
// from MCP servers.
func (a *App) LoadTools(ctx context.Context, skipMCP bool) error {
	a.Tools = tool.NewRegistry()
	tool.RegisterBuiltins(a.Tools)

	configs, err := config.LoadTools(a.Config)
	if err != nil {
		return mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "failed to load tools", err)
	}
	if err := tool.RegisterFromConfig(a.Tools, configs); err != nil {
		return mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "failed to load tools", err)
	}

	if skipMCP {
		return nil
	}
	for _, srv := range a.Config.MCPServers {
		session, err := mcp.Dial(ctx, srv, a.version)
		if err != nil {
			return fmt.Errorf("failed to connect to MCP server %s: %w", srv.Name, err)
		}
		a.closers = append(a.closers, session.Close)

		remote, err := session.Tools(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tools of MCP server %s: %w", srv.Name, err)
		}
		for _, t := range remote {
			a.Tools.RegisterFrom("mcp:"+srv.Name, t)
		}
		a.Logger.Debug("Loaded MCP tools", "server", srv.Name, "count", len(remote))
	}
	return nil
}

func (a *App) startScheduler() error {
	switch a.Config.Memory.Scheduler {
	case "timer":
		a.Debouncer = scheduler.NewDebouncer(a.Runner.Handle, scheduler.DebouncerOptions{
			Hooks:   a.Runner.Hooks(),
			Logger:  a.Logger,
			Metrics: a.Metrics,
		})
		a.Scheduler = a.Debouncer
	case "asynq":
		s, err := scheduler.NewAsynqScheduler(a.AsynqOptions())
		if err != nil {
			return mnemoerr.Wrap(mnemoerr.CodeStoreError, "failed to start asynq scheduler", err).
				WithSuggestion("Check redis.addr or set memory.scheduler to timer")
		}
		a.Scheduler = s
	default:
		return mnemoerr.New(mnemoerr.CodeConfigInvalid, "unknown memory scheduler: "+a.Config.Memory.Scheduler)
	}
	a.closers = append(a.closers, a.Scheduler.Close)
	return nil
}

// AsynqOptions returns the asynq settings shared by the scheduler and
// workers.
func (a *App) AsynqOptions() scheduler.AsynqOptions {
	return scheduler.AsynqOptions{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		Queue:    a.Config.Memory.Queue,
		Prefix:   a.Config.Threads.Prefix,
		Hooks:    a.Runner.Hooks(),
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	}
}

func (a *App) buildRuntime(model string, policy retry.Policy) error {
	counter, err := message.NewCounter(a.Config.Conversation.TokenCounter)
	if err != nil {
		return mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "invalid token counter", err)
	}
	timeout, err := a.Config.Model.ParsedTimeout()
	if err != nil {
		return mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "invalid model timeout", err)
	}
	delay, err := a.Config.Memory.ParsedDebounceDelay()
	if err != nil {
		return mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "invalid debounce delay", err)
	}

	invoker := agent.NewInvoker(agent.InvokerOptions{
		Provider:     a.Provider,
		Model:        model,
		MaxTokens:    a.Config.Model.MaxOutputTokens,
		Timeout:      timeout,
		SystemPrompt: a.Config.Conversation.SystemPrompt,
		Trimmer:      message.NewTrimmer(counter),
		Budget:       a.Config.Conversation.MaxTokens,
		Retriever:    memory.NewRetriever(a.Memories, a.Config.Memory.SearchWindow, a.Config.Memory.SearchLimit),
		Tools:        a.Tools.Definitions,
		Logger:       a.Logger,
		Metrics:      a.Metrics,
	})
	dispatcher, err := agent.NewDispatcher(agent.DispatcherOptions{
		Registry:    a.Tools,
		Concurrency: a.Config.Conversation.ToolConcurrency,
		Retry:       policy,
		Bus:         a.Bus,
		Logger:      a.Logger,
		Metrics:     a.Metrics,
	})
	if err != nil {
		return err
	}

	a.Runtime, err = agent.NewRuntime(agent.Options{
		Threads:       a.Threads,
		Invoker:       invoker,
		Dispatcher:    dispatcher,
		Scheduler:     a.Scheduler,
		DebounceDelay: delay,
		Retry:         policy,
		MaxIterations: a.Config.Conversation.MaxToolIterations,
		Ledger:        a.Ledger,
		Bus:           a.Bus,
		Logger:        a.Logger,
		Metrics:       a.Metrics,
	})
	if err != nil {
		dispatcher.Close()
		return err
	}
	a.closers = append(a.closers, a.Runtime.Close)
	return nil
}

// WaitMemories fires pending debounced memory runs and waits for them.
func (a *App) WaitMemories(ctx context.Context) error {
	if a.Debouncer == nil {
		return nil
	}
	return a.Debouncer.Flush(ctx)
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ThreadOptions converts the thread store configuration.
func ThreadOptions(cfg *config.Config) thread.Options {
	return thread.Options{
		Driver:        cfg.Threads.Driver,
		Path:          cfg.Threads.Path,
		Prefix:        cfg.Threads.Prefix,
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
	}
}
