package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

const (
	subscribeBackoffMin = time.Second
	subscribeBackoffMax = 15 * time.Second
)

// Redis implements Store against a Redis server.
type Redis struct {
	client  *redis.Client
	logger  pslog.Logger
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	subCtx context.Context
}

// NewRedis builds a Redis store from a redis:// or rediss:// URL. The
// connection is not used until Start.
func NewRedis(url string, opts Options) (*Redis, error) {
	opts = opts.withDefaults()
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	return &Redis{
		client: redis.NewClient(ropts),
		logger: opts.Logger,
	}, nil
}

// Start verifies connectivity and marks the client running.
func (r *Redis) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err := r.client.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		cancel()
		return fmt.Errorf("store: redis ping: %w", err)
	}
	r.subCtx = ctx
	r.cancel = cancel
	r.running.Store(true)
	return nil
}

// Stop marks the client stopped, unblocks subscribers and closes the
// connection pool.
func (r *Redis) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Swap(false) {
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if err := r.client.Close(); err != nil {
		r.logger.Warn("store.redis.close_failed", "error", err)
	}
}

// Running reports whether Start has completed and Stop has not been called.
func (r *Redis) Running() bool { return r.running.Load() }

// Get returns the value at key or ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if !r.running.Load() {
		return "", ErrStopped
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// SetEx writes value at key with the supplied TTL.
func (r *Redis) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	if !r.running.Load() {
		return ErrStopped
	}
	return r.client.SetEx(ctx, key, value, ttl).Err()
}

// Del removes the key.
func (r *Redis) Del(ctx context.Context, key string) error {
	if !r.running.Load() {
		return ErrStopped
	}
	return r.client.Del(ctx, key).Err()
}

// TTL returns the remaining lifetime of key.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !r.running.Load() {
		return 0, ErrStopped
	}
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case d == -2*time.Nanosecond || d == -2*time.Second:
		return 0, ErrNotFound
	case d < 0:
		return NoExpiry, nil
	default:
		return d, nil
	}
}

// Scan returns keys matching a glob-style pattern via cursor iteration.
func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	if !r.running.Load() {
		return nil, ErrStopped
	}
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Publish sends message on channel.
func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	if !r.running.Load() {
		return ErrStopped
	}
	return r.client.Publish(ctx, channel, message).Err()
}

// Subscribe blocks delivering channel messages to onMessage until Stop.
// Connection drops are retried with exponential backoff from 1s up to 15s;
// the backoff resets after each successful (re)connect.
func (r *Redis) Subscribe(channel string, onMessage func(channel, payload string)) {
	backoff := subscribeBackoffMin
	for r.running.Load() {
		r.mu.Lock()
		ctx := r.subCtx
		r.mu.Unlock()
		if ctx == nil {
			return
		}

		sub := r.client.Subscribe(ctx, channel)
		// Wait for the subscription to be confirmed so a broken connection
		// surfaces here instead of as a silent empty message stream.
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if !r.running.Load() || ctx.Err() != nil {
				return
			}
			r.logger.Warn("store.redis.subscribe_failed", "channel", channel, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, subscribeBackoffMax)
			continue
		}

		backoff = subscribeBackoffMin
		for msg := range sub.Channel() {
			if !r.running.Load() {
				break
			}
			onMessage(msg.Channel, msg.Payload)
		}
		_ = sub.Close()
		if !r.running.Load() || ctx.Err() != nil {
			return
		}
		r.logger.Warn("store.redis.subscription_lost", "channel", channel, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, subscribeBackoffMax)
	}
}
