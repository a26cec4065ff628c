// Package responder answers compute requests addressed to this backend: it
// subscribes to the compute channel, runs the safe-location finder on the
// game thread, and writes the response record for the origin's poller.
package responder

import (
	"context"
	"strings"

	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/metrics"
	"github.com/chumbucket/rtpd/internal/record"
	"github.com/chumbucket/rtpd/internal/store"
)

// Deps carries the collaborators of the responder.
type Deps struct {
	Store     store.Store
	Keys      keyspace.Keys
	Config    *conf.Provider
	Scheduler game.Scheduler
	Finder    game.Finder
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
}

// Responder is the compute-channel subscriber for one backend.
type Responder struct {
	store   store.Store
	keys    keyspace.Keys
	cfg     *conf.Provider
	sched   game.Scheduler
	finder  game.Finder
	logger  pslog.Logger
	metrics *metrics.Metrics
}

// New builds a responder.
func New(d Deps) *Responder {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	return &Responder{
		store:   d.Store,
		keys:    d.Keys,
		cfg:     d.Config,
		sched:   d.Scheduler,
		finder:  d.Finder,
		logger:  d.Logger,
		metrics: d.Metrics,
	}
}

// Run subscribes to the compute channel and blocks until the store stops.
func (r *Responder) Run() {
	r.store.Subscribe(r.keys.ComputeChannel(), r.Handle)
}

// Handle processes one compute-channel payload. Requests for other backends
// are dropped silently; malformed payloads are logged and counted.
func (r *Responder) Handle(_ string, payload string) {
	if !r.store.Running() {
		return
	}
	var req record.ComputeRequest
	if err := record.Decode(payload, &req); err != nil {
		r.logger.Warn("compute.request.malformed", "error", err)
		r.metrics.ComputeDropped()
		return
	}
	cfg := r.cfg.Get()
	if !strings.EqualFold(req.TargetServer, cfg.ServerName) {
		return
	}
	r.logger.Debug("compute.request.accepted",
		"request_id", req.RequestID, "player", req.PlayerUUID, "world", req.World)
	r.sched.RunGame(func() {
		if !r.store.Running() {
			return
		}
		r.finder.FindSafe(req.World, func(loc *game.Location, err error) {
			resp := record.ComputeResponse{
				RequestID: req.RequestID,
				Server:    cfg.ServerName,
				World:     req.World,
			}
			switch {
			case err != nil:
				resp.Error = err.Error()
			case loc == nil:
				resp.Error = "no-safe-location"
			default:
				resp.OK = true
				resp.World = loc.World
				resp.X, resp.Y, resp.Z = loc.X, loc.Y, loc.Z
				resp.Yaw, resp.Pitch = loc.Yaw, loc.Pitch
			}
			r.sched.RunWorker(func() {
				r.write(resp)
			})
		})
	})
}

// write stores the response under resp:<requestId>. Failures are logged and
// not retried: the origin's poller owns the TTL budget.
func (r *Responder) write(resp record.ComputeResponse) {
	if !r.store.Running() {
		return
	}
	raw, err := record.Encode(resp)
	if err != nil {
		r.logger.Error("compute.response.encode_failed", "request_id", resp.RequestID, "error", err)
		return
	}
	ttl := r.cfg.Get().RequestTTL
	if err := r.store.SetEx(context.Background(), r.keys.Resp(resp.RequestID), ttl, raw); err != nil {
		r.logger.Warn("compute.response.write_failed", "request_id", resp.RequestID, "error", err)
		return
	}
	r.metrics.ComputeAnswered()
	r.logger.Debug("compute.answered", "request_id", resp.RequestID, "ok", resp.OK)
}
