package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/testutil"
)

func TestInvoker_TrimsWindow(t *testing.T) {
	mock := &testutil.MockProvider{}
	inv := NewInvoker(InvokerOptions{Provider: mock, Model: "m", Budget: 20})

	var msgs []message.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, message.NewUser(strings.Repeat("word ", 10)))
	}
	if _, err := inv.Invoke(context.Background(), "alice", msgs); err != nil {
		t.Fatal(err)
	}
	sent := mock.LastCall().Messages
	if len(sent) == 0 || len(sent) >= len(msgs) {
		t.Errorf("expected a trimmed window, sent %d of %d", len(sent), len(msgs))
	}
	if sent[len(sent)-1].ID != msgs[len(msgs)-1].ID {
		t.Error("the newest message must be kept")
	}
}

func TestInvoker_TimeoutIsTransient(t *testing.T) {
	mock := &testutil.MockProvider{Delay: time.Second}
	inv := NewInvoker(InvokerOptions{Provider: mock, Timeout: 10 * time.Millisecond})

	_, err := inv.Invoke(context.Background(), "alice", []message.Message{message.NewUser("hi")})
	if !mnemoerr.IsTransient(err) {
		t.Errorf("expected a transient timeout, got %v", err)
	}
}

func TestInvoker_CancelledParentIsNotTransient(t *testing.T) {
	mock := &testutil.MockProvider{Delay: time.Second}
	inv := NewInvoker(InvokerOptions{Provider: mock, Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := inv.Invoke(ctx, "alice", []message.Message{message.NewUser("hi")})
	if err == nil || mnemoerr.IsTransient(err) {
		t.Errorf("expected a permanent cancellation, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the parent deadline, got %v", err)
	}
}

func TestInvoker_RejectsNonAssistant(t *testing.T) {
	mock := &testutil.MockProvider{Responses: []*provider.Response{
		{Messages: []message.Message{message.NewUser("imposter")}},
	}}
	inv := NewInvoker(InvokerOptions{Provider: mock})

	_, err := inv.Invoke(context.Background(), "alice", []message.Message{message.NewUser("hi")})
	if mnemoerr.AsCode(err) != mnemoerr.CodeContractViolation {
		t.Errorf("expected CONTRACT_VIOLATION, got %v", err)
	}
}
