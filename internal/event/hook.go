package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DefaultHookTimeout bounds shell and webhook hooks that set no timeout.
const DefaultHookTimeout = 10 * time.Second

// waitDelay bounds how long a killed shell hook may hold its output pipes.
const waitDelay = time.Second

// Hook reacts to lifecycle events.
type Hook interface {
	Name() string
	// Matches reports whether the hook wants events of type t.
	Matches(t EventType) bool
	// IsBlocking reports whether Emit waits for the hook.
	IsBlocking() bool
	// Handle processes ev. A blocking hook's error is returned from Emit.
	Handle(ev Event) error
}

// baseHook carries the name, patterns and blocking flag shared by hooks.
//
// A pattern is an exact event type, a prefix ending in ".*" such as
// "memory.*", or "*". No patterns means every event.
type baseHook struct {
	name     string
	events   []EventType
	blocking bool
}

func (h *baseHook) Name() string     { return h.name }
func (h *baseHook) IsBlocking() bool { return h.blocking }

func (h *baseHook) Matches(t EventType) bool {
	if len(h.events) == 0 {
		return true
	}
	for _, p := range h.events {
		if matchPattern(p, t) {
			return true
		}
	}
	return false
}

func matchPattern(p, t EventType) bool {
	switch {
	case p == "*" || p == t:
		return true
	case strings.HasSuffix(string(p), ".*"):
		return strings.HasPrefix(string(t), strings.TrimSuffix(string(p), "*"))
	}
	return false
}

// ShellHook runs a command through sh with the event in its environment:
//
//	MNEMO_EVENT_TYPE  event type
//	MNEMO_EVENT_JSON  the whole event as JSON
//	MNEMO_THREAD_ID   thread of the event, when known
//	MNEMO_RUN_ID      run of the event, when known
type ShellHook struct {
	baseHook
	Command string
	Timeout time.Duration
}

func NewShellHook(name, command string, events []EventType, blocking bool) *ShellHook {
	return &ShellHook{
		baseHook: baseHook{name: name, events: events, blocking: blocking},
		Command:  command,
		Timeout:  DefaultHookTimeout,
	}
}

func (h *ShellHook) Handle(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Env = append(os.Environ(),
		"MNEMO_EVENT_TYPE="+string(ev.Type),
		"MNEMO_EVENT_JSON="+string(payload),
		"MNEMO_THREAD_ID="+ev.String("thread_id"),
		"MNEMO_RUN_ID="+ev.String("run_id"),
	)
	killGroupOnCancel(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("shell hook %s timed out after %s", h.name, h.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("shell hook %s failed: %w: %s", h.name, err, msg)
		}
		return fmt.Errorf("shell hook %s failed: %w", h.name, err)
	}
	return nil
}

// WebhookHook POSTs the event as JSON. The event type is repeated in the
// X-Mnemo-Event header so receivers can route without decoding the body.
type WebhookHook struct {
	baseHook
	URL     string
	Headers map[string]string
	client  *http.Client
}

func NewWebhookHook(name, url string, events []EventType, blocking bool) *WebhookHook {
	return &WebhookHook{
		baseHook: baseHook{name: name, events: events, blocking: blocking},
		URL:      url,
		client:   &http.Client{Timeout: DefaultHookTimeout},
	}
}

// SetTimeout changes the request timeout.
func (h *WebhookHook) SetTimeout(d time.Duration) {
	h.client = &http.Client{Timeout: d}
}

func (h *WebhookHook) Handle(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", h.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mnemo-Event", string(ev.Type))
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s failed: %w", h.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", h.name, resp.StatusCode)
	}
	return nil
}

// LevelLogger is a Logger that also logs below warn.
type LevelLogger interface {
	Logger
	Info(msg string, keyvals ...interface{})
	Debug(msg string, keyvals ...interface{})
}

// LogHook writes each event to the process log. It never blocks.
type LogHook struct {
	baseHook
	logger Logger
	level  string
}

func NewLogHook(name string, events []EventType, logger Logger, level string) *LogHook {
	return &LogHook{
		baseHook: baseHook{name: name, events: events},
		logger:   logger,
		level:    level,
	}
}

func (h *LogHook) Handle(ev Event) error {
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, 2+2*len(keys))
	kv = append(kv, "event", string(ev.Type))
	for _, k := range keys {
		kv = append(kv, k, ev.Data[k])
	}

	ll, ok := h.logger.(LevelLogger)
	if !ok || h.level == "warn" {
		h.logger.Warn("Event", kv...)
		return nil
	}
	if h.level == "debug" {
		ll.Debug("Event", kv...)
	} else {
		ll.Info("Event", kv...)
	}
	return nil
}
