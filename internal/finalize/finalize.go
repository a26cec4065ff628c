// Package finalize completes a cross-server teleport on the destination: on
// player join it reads the pending record, freezes the player, preloads the
// destination chunk, teleports, and deletes the record. Retries are bounded
// by the pending attempt counter; stale records are discarded silently. A
// pending that targets the player's shared bed/anchor spawn is re-validated
// against the live block first and dropped when the spawn is gone.
package finalize

import (
	"context"
	"errors"
	"math"
	"strings"
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

// FreezeFailsafeTicks bounds the visual freeze: it always releases within
// four seconds even if both the success and failure paths are lost.
const FreezeFailsafeTicks = 4 * game.TicksPerSecond

// Match box for pairing a pending teleport with the stored shared spawn.
// The origin writes the pending at the spawn record's exact coordinates, but
// hosts nudge respawn points within the block, so the comparison tolerates
// sub-block drift.
const (
	spawnMatchXZ = 0.75
	spawnMatchY  = 1.75
)

// Deps carries the collaborators of the finalizer.
type Deps struct {
	Store     store.Store
	Keys      keyspace.Keys
	Config    *conf.Provider
	Scheduler game.Scheduler
	Clock     clock.Clock
	Host      game.Host
	Effects   game.Effects
	Notifier  game.Notifier
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
}

// Finalizer applies pending teleports on join.
type Finalizer struct {
	store   store.Store
	keys    keyspace.Keys
	cfg     *conf.Provider
	sched   game.Scheduler
	clk     clock.Clock
	host    game.Host
	effects game.Effects
	notify  game.Notifier
	logger  pslog.Logger
	metrics *metrics.Metrics
}

// New builds a finalizer.
func New(d Deps) *Finalizer {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Finalizer{
		store:   d.Store,
		keys:    d.Keys,
		cfg:     d.Config,
		sched:   d.Scheduler,
		clk:     d.Clock,
		host:    d.Host,
		effects: d.Effects,
		notify:  d.Notifier,
		logger:  d.Logger,
		metrics: d.Metrics,
	}
}

// OnJoin checks for a pending teleport addressed to this backend. Safe to
// re-enter: success deletes the record, so a crash between teleport and
// delete only causes a redundant re-snap on the next join.
func (f *Finalizer) OnJoin(p game.Player) {
	f.sched.RunWorker(func() {
		f.run(p)
	})
}

func (f *Finalizer) run(p game.Player) {
	if !f.store.Running() {
		return
	}
	ctx := context.Background()
	key := f.keys.Pending(p.ID())
	raw, err := f.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		f.logger.Debug("finalize.pending.read_failed", "player", p.ID(), "error", err)
		return
	}
	var pending record.PendingTeleport
	if derr := record.Decode(raw, &pending); derr != nil {
		f.logger.Warn("finalize.pending.poison", "player", p.ID(), "error", derr)
		if delErr := f.store.Del(ctx, key); delErr != nil {
			f.logger.Debug("finalize.pending.del_failed", "player", p.ID(), "error", delErr)
		}
		return
	}
	cfg := f.cfg.Get()
	if !strings.EqualFold(pending.Server, cfg.ServerName) {
		// Instructed for another backend; hub routing can land players here.
		return
	}
	if f.clk.NowMillis()-pending.AtMs > cfg.RequestTTL.Milliseconds() {
		f.metrics.FinalizeStale()
		f.logger.Debug("finalize.pending.stale", "player", p.ID(), "at_ms", pending.AtMs)
		if delErr := f.store.Del(ctx, key); delErr != nil {
			f.logger.Debug("finalize.pending.del_failed", "player", p.ID(), "error", delErr)
		}
		return
	}
	sp := f.spawnRoute(ctx, p.ID(), pending)
	f.sched.RunGame(func() {
		f.finalize(p, pending, sp, cfg)
	})
}

// spawnRoute reads the player's shared spawn record and reports whether the
// pending teleport targets it. A match means the destination still has to
// confirm the bed or anchor exists before snapping the player onto it.
func (f *Finalizer) spawnRoute(ctx context.Context, id uuid.UUID, pending record.PendingTeleport) *record.SpawnPoint {
	key := f.keys.Spawn(id)
	raw, err := f.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		f.logger.Debug("finalize.spawn.read_failed", "player", id, "error", err)
		return nil
	}
	var sp record.SpawnPoint
	if derr := record.Decode(raw, &sp); derr != nil {
		f.logger.Warn("finalize.spawn.poison", "player", id, "error", derr)
		if delErr := f.store.Del(ctx, key); delErr != nil {
			f.logger.Debug("finalize.spawn.del_failed", "player", id, "error", delErr)
		}
		return nil
	}
	if !strings.EqualFold(sp.Server, pending.Server) || sp.World != pending.World {
		return nil
	}
	if math.Abs(sp.X-pending.X) > spawnMatchXZ ||
		math.Abs(sp.Z-pending.Z) > spawnMatchXZ ||
		math.Abs(sp.Y-pending.Y) > spawnMatchY {
		return nil
	}
	return &sp
}

func clampLocation(loc game.Location, w game.World) game.Location {
	minY := float64(w.MinHeight() + 1)
	maxY := float64(w.MaxHeight() - 2)
	if loc.Y < minY {
		loc.Y = minY
	}
	if loc.Y > maxY {
		loc.Y = maxY
	}
	if loc.Pitch < -90 {
		loc.Pitch = -90
	}
	if loc.Pitch > 90 {
		loc.Pitch = 90
	}
	return loc
}

// finalize runs on the game thread.
func (f *Finalizer) finalize(p game.Player, pending record.PendingTeleport, sp *record.SpawnPoint, cfg *conf.Runtime) {
	if !p.Online() {
		// The record keeps its TTL; the next join retries.
		return
	}
	w, ok := f.host.World(pending.World)
	if !ok {
		f.notify.Notify(p, msg.UnknownWorld, msg.World(pending.World))
		f.sched.RunWorker(func() {
			f.bumpOrDelete(p, pending, cfg)
		})
		return
	}

	var anchor game.Block
	if sp != nil {
		b, valid := f.checkSpawnBlock(w, *sp, cfg)
		if !valid {
			f.notify.Notify(p, msg.NoSafeLocation, nil)
			f.logger.Info("finalize.spawn.invalid",
				"player", p.ID(), "world", pending.World, "type", sp.NormalizedType())
			f.sched.RunWorker(func() {
				f.dropSpawnRoute(p.ID())
			})
			return
		}
		anchor = b
	}

	var released atomic.Bool
	var failsafe game.Task
	release := func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		if failsafe != nil {
			failsafe.Cancel()
		}
		f.effects.Unfreeze(p)
	}
	f.effects.Freeze(p)
	failsafe = f.sched.RunGameLater(FreezeFailsafeTicks, func() {
		f.effects.Unfreeze(p)
		released.Store(true)
	})

	loc := clampLocation(pending.Location(), w)
	w.PreloadChunk(loc.ChunkX(), loc.ChunkZ(), func(perr error) {
		f.sched.RunGame(func() {
			if perr != nil {
				f.logger.Warn("finalize.preload_failed", "player", p.ID(), "world", pending.World, "error", perr)
				release()
				f.sched.RunWorker(func() {
					f.bumpOrDelete(p, pending, cfg)
				})
				return
			}
			if !p.Online() {
				release()
				return
			}
			p.Teleport(loc, func(ok bool, terr error) {
				f.sched.RunGame(func() {
					release()
					if ok && terr == nil && anchor != nil {
						anchor.SetAnchorCharges(anchor.AnchorCharges() - 1)
					}
				})
				if !ok || terr != nil {
					if terr != nil {
						f.logger.Warn("finalize.teleport_failed", "player", p.ID(), "error", terr)
					}
					f.sched.RunWorker(func() {
						f.bumpOrDelete(p, pending, cfg)
					})
					return
				}
				f.sched.RunWorker(func() {
					if err := f.store.Del(context.Background(), f.keys.Pending(p.ID())); err != nil {
						f.logger.Debug("finalize.pending.del_failed", "player", p.ID(), "error", err)
					}
					f.metrics.FinalizeSucceeded()
					f.logger.Info("finalize.success", "player", p.ID(), "world", loc.World)
					f.notify.Notify(p, msg.Teleported, msg.World(loc.World))
				})
			})
		})
	})
}

// checkSpawnBlock re-classifies the block under a shared-spawn route. Spawn
// records store the standing position one block above an anchor, so the cell
// below is inspected when the stored cell holds nothing of interest. Returns
// the anchor block a charge will be drawn from (nil for beds) and whether
// the route still stands.
func (f *Finalizer) checkSpawnBlock(w game.World, sp record.SpawnPoint, cfg *conf.Runtime) (game.Block, bool) {
	loc := sp.Location()
	b := w.BlockAt(loc.BlockX(), loc.BlockY(), loc.BlockZ())
	if b.Kind() == game.BlockOther {
		b = w.BlockAt(loc.BlockX(), loc.BlockY()-1, loc.BlockZ())
	}
	switch b.Kind() {
	case game.BlockBed:
		if cfg.Spawning.RespectBedSpawn {
			return nil, true
		}
	case game.BlockAnchor:
		if cfg.Spawning.RespectAnchorSpawn && b.AnchorCharges() > 0 {
			return b, true
		}
	}
	return nil, false
}

// dropSpawnRoute clears both the pending teleport and the spawn record once
// the destination has judged the route dead.
func (f *Finalizer) dropSpawnRoute(id uuid.UUID) {
	if !f.store.Running() {
		return
	}
	ctx := context.Background()
	for _, key := range []string{f.keys.Pending(id), f.keys.Spawn(id)} {
		if err := f.store.Del(ctx, key); err != nil {
			f.logger.Debug("finalize.spawn.drop_failed", "player", id, "key", key, "error", err)
		}
	}
}

// bumpOrDelete increments the attempt counter with a fresh TTL, or deletes
// the record once the counter reaches the configured maximum.
func (f *Finalizer) bumpOrDelete(p game.Player, pending record.PendingTeleport, cfg *conf.Runtime) {
	if !f.store.Running() {
		return
	}
	ctx := context.Background()
	key := f.keys.Pending(p.ID())
	bumped := pending.Bumped()
	if bumped.Attempts >= cfg.PendingMaxFinalizeAttempts {
		f.metrics.FinalizeExhausted()
		f.logger.Warn("finalize.pending.exhausted", "player", p.ID(), "attempts", bumped.Attempts)
		if err := f.store.Del(ctx, key); err != nil {
			f.logger.Debug("finalize.pending.del_failed", "player", p.ID(), "error", err)
		}
		return
	}
	raw, err := record.Encode(bumped)
	if err != nil {
		f.logger.Error("finalize.pending.encode_failed", "player", p.ID(), "error", err)
		return
	}
	if err := f.store.SetEx(ctx, key, cfg.RequestTTL, raw); err != nil {
		f.logger.Debug("finalize.pending.bump_failed", "player", p.ID(), "error", err)
	}
}
