package server

import (
	"context"
	"sync"
	"time"

	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

const (
	clientBuffer = 64
	replayBuffer = 256
)

// SSEEvent is one event on the stream. Seq increases by one per broadcast
// and is sent as the SSE id.
type SSEEvent struct {
	Seq       uint64      `json:"seq"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	RunID     string      `json:"run_id,omitempty"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Client is a subscriber. An empty ThreadID receives every thread.
type Client struct {
	ID       string
	ThreadID string
	Events   chan SSEEvent
}

func (c *Client) wants(ev SSEEvent) bool {
	return c.ThreadID == "" || ev.ThreadID == "" || c.ThreadID == ev.ThreadID
}

// Broker forwards bus events to SSE clients and remembers the most recent
// ones so a reconnecting client can resume.
type Broker struct {
	mu      sync.Mutex
	clients map[string]*Client
	seq     uint64
	recent  []SSEEvent
	logger  *telemetry.Logger
}

func NewBroker(logger *telemetry.Logger) *Broker {
	return &Broker{clients: make(map[string]*Client), logger: logger}
}

// Subscribe registers a client until ctx ends, then closes its channel.
// Buffered events with Seq greater than after are queued first.
func (b *Broker) Subscribe(ctx context.Context, clientID, threadID string, after uint64) *Client {
	client := &Client{ID: clientID, ThreadID: threadID, Events: make(chan SSEEvent, clientBuffer)}

	b.mu.Lock()
	if after > 0 {
		for _, ev := range b.recent {
			if ev.Seq > after && client.wants(ev) {
				b.send(client, ev)
			}
		}
	}
	b.clients[clientID] = client
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.clients, clientID)
		close(client.Events)
		b.mu.Unlock()
	}()
	return client
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast numbers ev, buffers it and sends it to interested clients.
func (b *Broker) Broadcast(ev SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	b.recent = append(b.recent, ev)
	if len(b.recent) > replayBuffer {
		b.recent = b.recent[len(b.recent)-replayBuffer:]
	}

	for _, c := range b.clients {
		if c.wants(ev) {
			b.send(c, ev)
		}
	}
}

// send must be called with b.mu held.
func (b *Broker) send(c *Client, ev SSEEvent) {
	select {
	case c.Events <- ev:
	default:
		b.logger.Warn("Dropping SSE event for slow client", "client", c.ID, "seq", ev.Seq)
	}
}

func (b *Broker) Name() string                   { return "sse-broker" }
func (b *Broker) Matches(_ event.EventType) bool { return true }
func (b *Broker) IsBlocking() bool               { return false }

func (b *Broker) Handle(ev event.Event) error {
	b.Broadcast(SSEEvent{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		RunID:     ev.String("run_id"),
		ThreadID:  ev.String("thread_id"),
		Data:      ev.Data,
	})
	return nil
}
