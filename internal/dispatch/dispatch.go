// Package dispatch implements the origin side of a remote RTP: publishing
// the compute request, polling for the response, writing the pending record
// and asking the proxy to move the player. The pending record is always
// durable in the store before the switch is requested, so the destination's
// finalizer can never race a missing key.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/clock"
	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/metrics"
	"github.com/chumbucket/rtpd/internal/msg"
	"github.com/chumbucket/rtpd/internal/record"
	"github.com/chumbucket/rtpd/internal/store"
)

// Poll interval bounds in ticks.
const (
	minPollTicks = 1
	maxPollTicks = 40
)

// Deps carries the collaborators of the dispatcher.
type Deps struct {
	Store     store.Store
	Keys      keyspace.Keys
	Config    *conf.Provider
	Scheduler game.Scheduler
	Proxy     game.Proxy
	Notifier  game.Notifier
	Clock     clock.Clock
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher drives remote compute round-trips and pending handoffs.
type Dispatcher struct {
	store   store.Store
	keys    keyspace.Keys
	cfg     *conf.Provider
	sched   game.Scheduler
	proxy   game.Proxy
	notify  game.Notifier
	clk     clock.Clock
	logger  pslog.Logger
	metrics *metrics.Metrics
}

// New builds a dispatcher.
func New(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Dispatcher{
		store:   d.Store,
		keys:    d.Keys,
		cfg:     d.Config,
		sched:   d.Scheduler,
		proxy:   d.Proxy,
		notify:  d.Notifier,
		clk:     d.Clock,
		logger:  d.Logger,
		metrics: d.Metrics,
	}
}

func clampPollTicks(ticks int64) int64 {
	if ticks < minPollTicks {
		return minPollTicks
	}
	if ticks > maxPollTicks {
		return maxPollTicks
	}
	return ticks
}

// RequestCompute publishes a compute request for playerID toward
// targetServer/world and polls for the response until the request TTL
// expires. done receives the parsed response, or nil on timeout, publish
// failure, malformed response or cancellation. cancelled may be nil. The
// response record is deleted on first read.
func (d *Dispatcher) RequestCompute(playerID uuid.UUID, targetServer, world string, cancelled func() bool, done func(resp *record.ComputeResponse)) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	cfg := d.cfg.Get()
	requestID := uuid.NewString()
	req := record.ComputeRequest{
		RequestID:    requestID,
		PlayerUUID:   playerID,
		TargetServer: targetServer,
		World:        world,
		CreatedAtMs:  d.clk.NowMillis(),
	}
	raw, err := record.Encode(req)
	if err != nil {
		d.logger.Error("dispatch.request.encode_failed", "request_id", requestID, "error", err)
		done(nil)
		return
	}
	if !d.store.Running() {
		done(nil)
		return
	}
	if err := d.store.Publish(context.Background(), d.keys.ComputeChannel(), raw); err != nil {
		d.logger.Warn("dispatch.request.publish_failed", "request_id", requestID, "error", err)
		done(nil)
		return
	}
	d.logger.Debug("dispatch.request.published",
		"request_id", requestID, "player", playerID, "target", targetServer, "world", world)

	interval := clampPollTicks(cfg.ResponsePollTicks)
	deadline := d.clk.Now().Add(cfg.RequestTTL)
	respKey := d.keys.Resp(requestID)

	// The timer callback runs on worker goroutines and can fire before
	// RunWorkerTimer returns, so the task handle is mutex-guarded and
	// re-checked after registration.
	var finished atomic.Bool
	var mu sync.Mutex
	var task game.Task
	finish := func(resp *record.ComputeResponse) {
		if !finished.CompareAndSwap(false, true) {
			return
		}
		mu.Lock()
		t := task
		mu.Unlock()
		if t != nil {
			t.Cancel()
		}
		done(resp)
	}
	poll := d.sched.RunWorkerTimer(interval, interval, func() {
		if finished.Load() {
			return
		}
		if cancelled() || !d.store.Running() {
			finish(nil)
			return
		}
		if d.clk.Now().After(deadline) {
			d.metrics.DispatchTimeout()
			d.logger.Debug("dispatch.response.timeout", "request_id", requestID)
			finish(nil)
			return
		}
		val, err := d.store.Get(context.Background(), respKey)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			// Transient read failure; keep polling until the deadline.
			d.logger.Debug("dispatch.response.read_failed", "request_id", requestID, "error", err)
			return
		}
		if delErr := d.store.Del(context.Background(), respKey); delErr != nil {
			d.logger.Debug("dispatch.response.del_failed", "request_id", requestID, "error", delErr)
		}
		var resp record.ComputeResponse
		if err := record.Decode(val, &resp); err != nil {
			d.logger.Warn("dispatch.response.malformed", "request_id", requestID, "error", err)
			finish(nil)
			return
		}
		finish(&resp)
	})
	mu.Lock()
	task = poll
	mu.Unlock()
	if finished.Load() {
		// finish ran before the handle was registered; stop the timer here.
		poll.Cancel()
	}
}

// WritePending stores the finalize instruction for the player with a fresh
// request TTL.
func (d *Dispatcher) WritePending(playerID uuid.UUID, pending record.PendingTeleport) error {
	raw, err := record.Encode(pending)
	if err != nil {
		return err
	}
	if !d.store.Running() {
		return store.ErrStopped
	}
	return d.store.SetEx(context.Background(), d.keys.Pending(playerID), d.cfg.Get().RequestTTL, raw)
}

// DeletePending removes the finalize instruction for the player.
func (d *Dispatcher) DeletePending(playerID uuid.UUID) error {
	if !d.store.Running() {
		return store.ErrStopped
	}
	return d.store.Del(context.Background(), d.keys.Pending(playerID))
}

// Complete performs the handoff for a successful compute response: it writes
// the pending record, notifies the player, and requests the proxy switch. A
// rejected switch is permanent for the attempt: the pending record is
// deleted and the player is told. done, when non-nil, receives the outcome.
func (d *Dispatcher) Complete(p game.Player, resp record.ComputeResponse, done func(ok bool)) {
	if done == nil {
		done = func(bool) {}
	}
	pending := record.NewPendingTeleport(resp.Server, resp.Location(), d.clk.NowMillis())
	if err := d.WritePending(p.ID(), pending); err != nil {
		d.logger.Warn("dispatch.pending.write_failed", "player", p.ID(), "error", err)
		d.notify.Notify(p, msg.ComputeTimeout, nil)
		done(false)
		return
	}
	d.notify.Notify(p, msg.Switching, msg.Server(resp.Server))
	d.sched.RunGame(func() {
		if d.proxy.RequestSwitch(p, resp.Server) {
			d.logger.Debug("dispatch.switch.requested", "player", p.ID(), "server", resp.Server)
			done(true)
			return
		}
		d.logger.Warn("dispatch.switch.rejected", "player", p.ID(), "server", resp.Server)
		d.sched.RunWorker(func() {
			if err := d.DeletePending(p.ID()); err != nil {
				d.logger.Debug("dispatch.pending.cleanup_failed", "player", p.ID(), "error", err)
			}
			d.notify.Notify(p, msg.ComputeTimeout, nil)
			done(false)
		})
	})
}
