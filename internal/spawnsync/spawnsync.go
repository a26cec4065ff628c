// Package spawnsync keeps the cross-backend spawn:<uuid> records in step
// with bed and anchor events on this backend. Records are written on bed
// enter, anchor charge, observed bed/anchor respawns and the optional host
// spawn-set capability, and cleared when the owner breaks the block — but
// only when the stored record actually points at this server and block.
package spawnsync

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/clock"
	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/record"
	"github.com/chumbucket/rtpd/internal/store"
)

// SpawnTTL is the lifetime of a shared spawn record.
const SpawnTTL = 30 * 24 * time.Hour

// Clear match box: a break only clears the record when the stored point lies
// this close to the broken block's center.
const (
	clearMatchXZ = 1.25
	clearMatchY  = 2.25
)

// SpawnSetCause classifies the host's optional spawn-set event.
type SpawnSetCause int

const (
	CauseBed SpawnSetCause = iota
	CauseAnchor
	CauseOther
)

// Deps carries the collaborators of the listener.
type Deps struct {
	Store     store.Store
	Keys      keyspace.Keys
	Config    *conf.Provider
	Scheduler game.Scheduler
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Listener reacts to bed/anchor events.
type Listener struct {
	store  store.Store
	keys   keyspace.Keys
	cfg    *conf.Provider
	sched  game.Scheduler
	clk    clock.Clock
	logger pslog.Logger
}

// New builds the listener.
func New(d Deps) *Listener {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Listener{
		store:  d.Store,
		keys:   d.Keys,
		cfg:    d.Config,
		sched:  d.Scheduler,
		clk:    d.Clock,
		logger: d.Logger,
	}
}

// OnBedEnter records the player's spawn when they successfully enter a bed.
func (l *Listener) OnBedEnter(p game.Player, bedLoc game.Location) {
	cfg := l.cfg.Get()
	if !cfg.Spawning.CrossServerRespawn || !cfg.Spawning.RespectBedSpawn {
		return
	}
	l.write(p, record.SpawnTypeBed, bedLoc, cfg)
}

// OnAnchorInteract records the player's spawn when they charge or use a
// respawn anchor that holds at least one charge. The stored point is the
// block center, one block up, where the player actually respawns.
func (l *Listener) OnAnchorInteract(p game.Player, anchorLoc game.Location, charges int) {
	cfg := l.cfg.Get()
	if !cfg.Spawning.CrossServerRespawn || !cfg.Spawning.RespectAnchorSpawn {
		return
	}
	if charges < 1 {
		return
	}
	loc := game.Location{
		World: anchorLoc.World,
		X:     float64(anchorLoc.BlockX()) + 0.5,
		Y:     float64(anchorLoc.BlockY()) + 1.0,
		Z:     float64(anchorLoc.BlockZ()) + 0.5,
	}
	l.write(p, record.SpawnTypeAnchor, loc, cfg)
}

// OnRespawnObserved is the fallback writer for hosts without a spawn-set
// event: a respawn that the host attributes to a bed or anchor refreshes
// the shared record at the respawn point.
func (l *Listener) OnRespawnObserved(ev *game.RespawnEvent) {
	cfg := l.cfg.Get()
	if !cfg.Spawning.CrossServerRespawn {
		return
	}
	switch {
	case ev.IsBedSpawn && cfg.Spawning.RespectBedSpawn:
		l.write(ev.Player, record.SpawnTypeBed, ev.Location, cfg)
	case ev.IsAnchorSpawn && cfg.Spawning.RespectAnchorSpawn:
		l.write(ev.Player, record.SpawnTypeAnchor, ev.Location, cfg)
	}
}

// OnSpawnSet handles the host's optional "player spawn set" capability.
func (l *Listener) OnSpawnSet(p game.Player, cause SpawnSetCause, loc game.Location) {
	cfg := l.cfg.Get()
	if !cfg.Spawning.CrossServerRespawn {
		return
	}
	switch cause {
	case CauseBed:
		if cfg.Spawning.RespectBedSpawn {
			l.write(p, record.SpawnTypeBed, loc, cfg)
		}
	case CauseAnchor:
		if cfg.Spawning.RespectAnchorSpawn {
			l.write(p, record.SpawnTypeAnchor, loc, cfg)
		}
	}
}

// OnBlockBreak clears the player's record when they break their own bed or
// anchor.
func (l *Listener) OnBlockBreak(p game.Player, blockLoc game.Location, kind game.BlockKind) {
	if kind != game.BlockBed && kind != game.BlockAnchor {
		return
	}
	l.maybeClear(p, blockLoc)
}

// OnAnchorDepleted clears the record once an anchor's charges reach zero.
func (l *Listener) OnAnchorDepleted(p game.Player, anchorLoc game.Location) {
	l.maybeClear(p, anchorLoc)
}

func (l *Listener) write(p game.Player, spawnType string, loc game.Location, cfg *conf.Runtime) {
	sp := record.SpawnPoint{
		Type:   spawnType,
		Server: cfg.ServerName,
		World:  loc.World,
		X:      loc.X,
		Y:      loc.Y,
		Z:      loc.Z,
		Yaw:    loc.Yaw,
		Pitch:  loc.Pitch,
		AtMs:   l.clk.NowMillis(),
	}
	id := p.ID()
	l.sched.RunWorker(func() {
		if !l.store.Running() {
			return
		}
		raw, err := record.Encode(sp)
		if err != nil {
			l.logger.Error("spawnsync.encode_failed", "player", id, "error", err)
			return
		}
		if err := l.store.SetEx(context.Background(), l.keys.Spawn(id), SpawnTTL, raw); err != nil {
			l.logger.Debug("spawnsync.write_failed", "player", id, "error", err)
			return
		}
		l.logger.Debug("spawnsync.write", "player", id, "type", spawnType, "world", loc.World)
	})
}

// maybeClear deletes the record only when it names this server and sits
// within the match box around the broken block.
func (l *Listener) maybeClear(p game.Player, blockLoc game.Location) {
	cfg := l.cfg.Get()
	id := p.ID()
	l.sched.RunWorker(func() {
		if !l.store.Running() {
			return
		}
		ctx := context.Background()
		key := l.keys.Spawn(id)
		raw, err := l.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			l.logger.Debug("spawnsync.clear.read_failed", "player", id, "error", err)
			return
		}
		var sp record.SpawnPoint
		if derr := record.Decode(raw, &sp); derr != nil {
			l.logger.Warn("spawnsync.clear.poison", "player", id, "error", derr)
			if delErr := l.store.Del(ctx, key); delErr != nil {
				l.logger.Debug("spawnsync.clear.del_failed", "player", id, "error", delErr)
			}
			return
		}
		if !strings.EqualFold(sp.Server, cfg.ServerName) || sp.World != blockLoc.World {
			return
		}
		cx := float64(blockLoc.BlockX()) + 0.5
		cz := float64(blockLoc.BlockZ()) + 0.5
		cy := float64(blockLoc.BlockY())
		if math.Abs(sp.X-cx) > clearMatchXZ || math.Abs(sp.Z-cz) > clearMatchXZ || math.Abs(sp.Y-cy) > clearMatchY {
			return
		}
		if err := l.store.Del(ctx, key); err != nil {
			l.logger.Debug("spawnsync.clear.del_failed", "player", id, "error", err)
			return
		}
		l.logger.Debug("spawnsync.clear", "player", id, "world", sp.World)
	})
}
