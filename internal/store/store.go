// Package store provides the coordination-store client: a small synchronous
// key/value + pub/sub contract with a Redis implementation for production
// and an in-memory implementation for tests and mem:// configs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/clock"
)

// NoExpiry is returned by TTL for keys without an expiry.
const NoExpiry = time.Duration(-1)

var (
	// ErrNotFound indicates the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrStopped indicates the client is not running.
	ErrStopped = errors.New("store: not running")
)

// Store is the synchronous contract every component talks to. All calls are
// atomic per-operation; there are no multi-key transactions. Running is a
// monotonic flag per lifecycle: false until Start, true until Stop, and
// never true again without a fresh Start.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error
	Del(ctx context.Context, key string) error
	// TTL returns the remaining lifetime of the key, NoExpiry for keys
	// without one, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Scan returns the keys matching a glob-style pattern. Used by the
	// operator tooling only; the coordination paths never enumerate keys.
	Scan(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages on channel to onMessage and blocks until
	// the store is stopped, reconnecting with exponential backoff.
	Subscribe(channel string, onMessage func(channel, payload string))
	Running() bool
	Start() error
	Stop()
}

// Options configures store construction.
type Options struct {
	Clock  clock.Clock
	Logger pslog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	return o
}

// FromURL selects a store implementation by URL scheme: redis:// and
// rediss:// dial Redis, mem:// returns the in-memory store.
func FromURL(raw string, opts Options) (Store, error) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "" || strings.HasPrefix(trimmed, "mem://"):
		return NewMemory(opts), nil
	case strings.HasPrefix(trimmed, "redis://"), strings.HasPrefix(trimmed, "rediss://"):
		return NewRedis(trimmed, opts)
	default:
		return nil, fmt.Errorf("store: unsupported store URL %q", raw)
	}
}
