// Package thread persists conversation messages keyed by thread ID.
package thread

import (
	"context"
	"fmt"

	"github.com/mnemo-oss/mnemo/internal/message"
)

// Store persists the ordered messages of each thread. Append follows
// add-messages semantics: a message whose ID already exists in the thread
// replaces it in place, others are appended in order. Appending the same
// message twice is therefore a no-op.
type Store interface {
	// Append merges msgs into the thread.
	Append(ctx context.Context, threadID string, msgs ...message.Message) error

	// Messages returns the thread's messages oldest first. An unknown thread
	// yields an empty slice.
	Messages(ctx context.Context, threadID string) ([]message.Message, error)

	// List returns the IDs of every stored thread.
	List(ctx context.Context) ([]string, error)

	// Delete removes a thread and its messages.
	Delete(ctx context.Context, threadID string) error

	// Close releases any resources held by the store.
	Close() error
}

// Options selects and configures a Store backend.
type Options struct {
	Driver        string // memory, sqlite, redis, badger
	Path          string
	Prefix        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open creates the store named by opts.Driver.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(opts.Path)
	case "redis":
		return NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.Prefix)
	case "badger":
		return NewBadgerStore(opts.Path)
	default:
		return nil, fmt.Errorf("unknown thread store driver: %s", opts.Driver)
	}
}
