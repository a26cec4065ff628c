package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/clock"
)

// Memory implements Store in process memory with real TTL semantics driven
// by the supplied clock. It backs tests and mem:// configurations.
type Memory struct {
	clk     clock.Clock
	logger  pslog.Logger
	running atomic.Bool

	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[*memSub]struct{}

	latency time.Duration
	failErr error
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memSub struct {
	channel string
	handler func(channel, payload string)
	done    chan struct{}
}

// NewMemory returns an empty in-memory store. It is not running until Start.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		clk:     opts.Clock,
		logger:  opts.Logger,
		entries: make(map[string]memEntry),
		subs:    make(map[*memSub]struct{}),
	}
}

// Start marks the store running.
func (m *Memory) Start() error {
	m.running.Store(true)
	return nil
}

// Stop marks the store stopped and unblocks all subscribers.
func (m *Memory) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.mu.Lock()
	for sub := range m.subs {
		close(sub.done)
	}
	m.subs = make(map[*memSub]struct{})
	m.mu.Unlock()
}

// Running reports whether the store is started.
func (m *Memory) Running() bool { return m.running.Load() }

// SetLatency makes every operation sleep d on the store's clock, simulating
// a slow store in tests.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// FailWith makes every subsequent operation return err; nil restores normal
// behaviour. Used to exercise fail-open/fail-closed paths.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *Memory) enter() error {
	if !m.running.Load() {
		return ErrStopped
	}
	m.mu.Lock()
	latency, failErr := m.latency, m.failErr
	m.mu.Unlock()
	if latency > 0 {
		m.clk.Sleep(latency)
	}
	return failErr
}

func (m *Memory) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && !m.clk.Now().Before(e.expiresAt)
}

// Get returns the value at key or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	if err := m.enter(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		delete(m.entries, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

// SetEx writes value at key with the supplied TTL.
func (m *Memory) SetEx(_ context.Context, key string, ttl time.Duration, value string) error {
	if err := m.enter(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clk.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Del removes the key.
func (m *Memory) Del(_ context.Context, key string) error {
	if err := m.enter(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// TTL returns the remaining lifetime of key.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		delete(m.entries, key)
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(m.clk.Now()), nil
}

// Scan returns live keys matching a glob-style pattern.
func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, e := range m.entries {
		if m.expired(e) {
			continue
		}
		if ok, err := path.Match(pattern, k); err != nil {
			return nil, fmt.Errorf("store: bad scan pattern %q: %w", pattern, err)
		} else if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Publish delivers message synchronously to every subscriber of channel.
func (m *Memory) Publish(_ context.Context, channel, message string) error {
	if err := m.enter(); err != nil {
		return err
	}
	m.mu.Lock()
	var handlers []func(string, string)
	for sub := range m.subs {
		if sub.channel == channel {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(channel, message)
	}
	return nil
}

// Subscribe registers onMessage for channel and blocks until Stop.
func (m *Memory) Subscribe(channel string, onMessage func(channel, payload string)) {
	if !m.running.Load() {
		return
	}
	sub := &memSub{channel: channel, handler: onMessage, done: make(chan struct{})}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	<-sub.done
}

// SubscriberCount reports how many subscriptions are registered on the
// channel. Test helper.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for sub := range m.subs {
		if sub.channel == channel {
			n++
		}
	}
	return n
}

// Keys returns a snapshot of live (unexpired) keys. Test helper.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if m.expired(e) {
			continue
		}
		out = append(out, k)
	}
	return out
}
