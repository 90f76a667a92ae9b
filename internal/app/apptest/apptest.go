// Package apptest assembles an App over the in-process test harness.
package apptest

import (
	"testing"

	"github.com/mnemo-oss/mnemo/internal/agent"
	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/testutil"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

// New builds an App whose model, stores and ledger come from h. It has the
// builtin tools, no memory types and no scheduler.
func New(t *testing.T, h *testutil.TestHarness) *app.App {
	t.Helper()

	tools := tool.NewRegistry()
	tool.RegisterBuiltins(tools)

	registry, err := memory.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	runner := memory.NewRunner(memory.RunnerOptions{
		Threads: h.Threads,
		FanOut:  memory.NewFanOut(registry, 0, h.Logger, h.Metrics),
		Ledger:  h.StateMgr,
		Bus:     h.EventBus,
		Logger:  h.Logger,
	})

	dispatcher, err := agent.NewDispatcher(agent.DispatcherOptions{Registry: tools, Logger: h.Logger, Metrics: h.Metrics})
	if err != nil {
		t.Fatal(err)
	}
	runtime, err := agent.NewRuntime(agent.Options{
		Threads: h.Threads,
		Invoker: agent.NewInvoker(agent.InvokerOptions{
			Provider:     h.Provider,
			Model:        "mock-model",
			SystemPrompt: "You are helpful.\n{user_info}",
			Retriever:    memory.NewRetriever(h.Memories, h.Config.Memory.SearchWindow, h.Config.Memory.SearchLimit),
			Tools:        tools.Definitions,
			Logger:       h.Logger,
			Metrics:      h.Metrics,
		}),
		Dispatcher: dispatcher,
		Ledger:     h.StateMgr,
		Bus:        h.EventBus,
		Logger:     h.Logger,
		Metrics:    h.Metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runtime.Close() })

	return &app.App{
		Config:   h.Config,
		Logger:   h.Logger,
		Metrics:  h.Metrics,
		Bus:      h.EventBus,
		Ledger:   h.StateMgr,
		Threads:  h.Threads,
		Memories: h.Memories,
		Provider: h.Provider,
		Tools:    tools,
		Registry: registry,
		Runner:   runner,
		Runtime:  runtime,
	}
}
