// Package death pre-decides at death time what will happen on respawn, so
// the respawn handler only applies a plan: remote computes run during the
// death screen where latency is invisible, and the respawn never starts one.
package death

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/attempt"
	"github.com/chumbucket/rtpd/internal/clock"
	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/dispatch"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/metrics"
	"github.com/chumbucket/rtpd/internal/record"
	"github.com/chumbucket/rtpd/internal/store"
)

const (
	// PlanTTL bounds how long a death plan stays applicable.
	PlanTTL = 15 * time.Second
	// SafeCacheTTL bounds the per-world warm candidate cache.
	SafeCacheTTL = 45 * time.Second
	// SharedSpawnCacheTTL bounds the cached cross-server spawn record.
	SharedSpawnCacheTTL = 20 * time.Second
	// RemoteAwaitTicks is how long the respawn handler waits for the remote
	// plan future, polling every RemoteAwaitPollTicks.
	RemoteAwaitTicks     = 40
	RemoteAwaitPollTicks = 2
	// PostSwitchCheckTicks is when the handler verifies the proxy actually
	// took the player away; if not, the local fallback runs.
	PostSwitchCheckTicks = 30
)

// Deps carries the collaborators of the death pipeline.
type Deps struct {
	Store      store.Store
	Keys       keyspace.Keys
	Config     *conf.Provider
	Scheduler  game.Scheduler
	Clock      clock.Clock
	Host       game.Host
	Finder     game.Finder
	Dispatcher *dispatch.Dispatcher
	Proxy      game.Proxy
	Effects    game.Effects
	Attempts   *attempt.Manager
	Logger     pslog.Logger
	Metrics    *metrics.Metrics
}

// plan is one pre-decided respawn destination.
type plan struct {
	createdAt time.Time
	world     string
	server    string
	remote    bool

	mu       sync.Mutex
	localLoc *game.Location
	resolved bool
	pending  *record.PendingTeleport
}

func (p *plan) setLocal(loc *game.Location) {
	p.mu.Lock()
	p.localLoc = loc
	p.mu.Unlock()
}

func (p *plan) local() *game.Location {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localLoc
}

// resolve completes the remote future; pending is nil when the compute
// failed or the pending write did not land.
func (p *plan) resolve(pending *record.PendingTeleport) {
	p.mu.Lock()
	p.resolved = true
	p.pending = pending
	p.mu.Unlock()
}

func (p *plan) result() (bool, *record.PendingTeleport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved, p.pending
}

type safeEntry struct {
	loc game.Location
	at  time.Time
}

type spawnEntry struct {
	sp record.SpawnPoint
	at time.Time
}

// Pipeline is the death/respawn coordinator for one backend.
type Pipeline struct {
	store    store.Store
	keys     keyspace.Keys
	cfg      *conf.Provider
	sched    game.Scheduler
	clk      clock.Clock
	host     game.Host
	finder   game.Finder
	disp     *dispatch.Dispatcher
	proxy    game.Proxy
	effects  game.Effects
	attempts *attempt.Manager
	logger   pslog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	plans       map[uuid.UUID]*plan
	safeCache   map[string]safeEntry
	sharedSpawn map[uuid.UUID]spawnEntry
}

// New builds the pipeline.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Pipeline{
		store:       d.Store,
		keys:        d.Keys,
		cfg:         d.Config,
		sched:       d.Scheduler,
		clk:         d.Clock,
		host:        d.Host,
		finder:      d.Finder,
		disp:        d.Dispatcher,
		proxy:       d.Proxy,
		effects:     d.Effects,
		attempts:    d.Attempts,
		logger:      d.Logger,
		metrics:     d.Metrics,
		plans:       make(map[uuid.UUID]*plan),
		safeCache:   make(map[string]safeEntry),
		sharedSpawn: make(map[uuid.UUID]spawnEntry),
	}
}

// OnQuit drops the player's cached plan and spawn record.
func (p *Pipeline) OnQuit(id uuid.UUID) {
	p.mu.Lock()
	delete(p.plans, id)
	delete(p.sharedSpawn, id)
	p.mu.Unlock()
}

// OnDeath caches the player's shared spawn record and pre-builds the respawn
// plan. Runs on the game thread (death event).
func (p *Pipeline) OnDeath(pl game.Player) {
	cfg := p.cfg.Get()
	deathWorld := pl.Location().World

	if cfg.Spawning.CrossServerRespawn && p.store.Running() {
		p.cacheSharedSpawn(pl.ID())
	}
	if !cfg.Spawning.RandomTeleportRespawn {
		return
	}

	server, world, ok := p.chooseTarget(cfg, deathWorld)
	if !ok {
		p.logger.Debug("death.plan.no_target", "player", pl.ID(), "death_world", deathWorld)
		return
	}
	newPlan := &plan{
		createdAt: p.clk.Now(),
		world:     world,
		server:    server,
		remote:    !cfg.IsLocal(server),
	}
	p.mu.Lock()
	p.plans[pl.ID()] = newPlan
	p.mu.Unlock()
	p.logger.Debug("death.plan.created",
		"player", pl.ID(), "server", server, "world", world, "remote", newPlan.remote)

	if newPlan.remote {
		p.buildRemotePlan(pl.ID(), newPlan)
	} else {
		p.buildLocalPlan(newPlan)
	}
}

// chooseTarget picks the plan destination. Nether and end deaths route to the
// local overworld when one is configured; otherwise the death world if its
// RTP is enabled; otherwise a fallback server with an enabled overworld.
func (p *Pipeline) chooseTarget(cfg *conf.Runtime, deathWorld string) (server, world string, ok bool) {
	local := cfg.ServerName
	if w, found := p.host.World(deathWorld); found {
		dim := w.Dimension()
		if (dim == game.Nether || dim == game.End) && cfg.ResolveOverworld(local) != "" {
			return local, cfg.ResolveOverworld(local), true
		}
	}
	if cfg.WorldEnabled(local, deathWorld) {
		return local, deathWorld, true
	}
	var candidates []string
	for _, s := range cfg.FallbackServers {
		if cfg.OverworldEnabled(s) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", "", false
	}
	chosen := candidates[0]
	if cfg.FallbackMode == conf.FallbackRandom {
		chosen = candidates[rand.IntN(len(candidates))]
	}
	return chosen, cfg.ResolveOverworld(chosen), true
}

// cacheSharedSpawn reads spawn:<uuid> into the in-memory cache so the
// respawn handler never touches the store on the game thread.
func (p *Pipeline) cacheSharedSpawn(id uuid.UUID) {
	p.sched.RunWorker(func() {
		if !p.store.Running() {
			return
		}
		ctx := context.Background()
		key := p.keys.Spawn(id)
		raw, err := p.store.Get(ctx, key)
		if err != nil {
			return
		}
		var sp record.SpawnPoint
		if derr := record.Decode(raw, &sp); derr != nil {
			p.logger.Warn("death.spawn.poison", "player", id, "error", derr)
			if delErr := p.store.Del(ctx, key); delErr != nil {
				p.logger.Debug("death.spawn.del_failed", "player", id, "error", delErr)
			}
			return
		}
		if !sp.Valid() {
			return
		}
		p.mu.Lock()
		p.sharedSpawn[id] = spawnEntry{sp: sp, at: p.clk.Now()}
		p.mu.Unlock()
	})
}

// buildLocalPlan publishes a warm candidate immediately and refreshes it via
// the finder in parallel.
func (p *Pipeline) buildLocalPlan(pl *plan) {
	p.mu.Lock()
	if e, ok := p.safeCache[pl.world]; ok && p.clk.Now().Sub(e.at) <= SafeCacheTTL {
		loc := e.loc
		pl.localLoc = &loc
	}
	p.mu.Unlock()
	p.sched.RunGame(func() {
		p.finder.FindSafe(pl.world, func(loc *game.Location, err error) {
			if err != nil || loc == nil {
				return
			}
			pl.setLocal(loc)
			p.mu.Lock()
			p.safeCache[pl.world] = safeEntry{loc: *loc, at: p.clk.Now()}
			p.mu.Unlock()
		})
	})
}

// buildRemotePlan runs the compute round-trip and pre-writes the pending
// record; the result is exposed as a future the respawn handler polls.
func (p *Pipeline) buildRemotePlan(id uuid.UUID, pl *plan) {
	p.disp.RequestCompute(id, pl.server, pl.world, nil, func(resp *record.ComputeResponse) {
		if resp == nil || !resp.OK {
			pl.resolve(nil)
			return
		}
		pending := record.NewPendingTeleport(resp.Server, resp.Location(), p.clk.NowMillis())
		if err := p.disp.WritePending(id, pending); err != nil {
			p.logger.Warn("death.plan.pending_write_failed", "player", id, "error", err)
			pl.resolve(nil)
			return
		}
		pl.resolve(&pending)
	})
}

// takePlan pops the player's plan.
func (p *Pipeline) takePlan(id uuid.UUID) *plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl := p.plans[id]
	delete(p.plans, id)
	return pl
}

// takeSharedSpawn pops the player's cached spawn record if still fresh.
func (p *Pipeline) takeSharedSpawn(id uuid.UUID) (record.SpawnPoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sharedSpawn[id]
	if !ok {
		return record.SpawnPoint{}, false
	}
	delete(p.sharedSpawn, id)
	if p.clk.Now().Sub(e.at) > SharedSpawnCacheTTL || !e.sp.Valid() {
		return record.SpawnPoint{}, false
	}
	return e.sp, true
}

// OnRespawn applies the pre-decided plan. Runs on the game thread during the
// respawn event; it may replace ev.Location but never blocks.
func (p *Pipeline) OnRespawn(ev *game.RespawnEvent) {
	pl := p.takePlan(ev.Player.ID())
	cfg := p.cfg.Get()

	if cfg.Spawning.AlwaysSpawnAtSpawn {
		return
	}
	if (ev.IsBedSpawn && cfg.Spawning.RespectBedSpawn) ||
		(ev.IsAnchorSpawn && cfg.Spawning.RespectAnchorSpawn) {
		return
	}
	if cfg.Spawning.CrossServerRespawn {
		if sp, ok := p.takeSharedSpawn(ev.Player.ID()); ok {
			if p.applySharedSpawn(ev, sp, cfg) {
				return
			}
		}
	}
	if pl != nil && p.clk.Now().Sub(pl.createdAt) <= PlanTTL {
		if !pl.remote {
			if loc := pl.local(); loc != nil {
				ev.Location = *loc
				p.logger.Debug("respawn.plan.local", "player", ev.Player.ID(), "world", loc.World)
				return
			}
		} else {
			p.awaitRemotePlan(ev.Player, pl, cfg)
			return
		}
	}
	p.fallbackLocal(ev.Player, cfg)
}

// applySharedSpawn routes the respawn to the stored bed/anchor. Reports
// whether the respawn was handled.
func (p *Pipeline) applySharedSpawn(ev *game.RespawnEvent, sp record.SpawnPoint, cfg *conf.Runtime) bool {
	if cfg.IsLocal(sp.Server) {
		loc := sp.Location()
		w, ok := p.host.World(loc.World)
		if !ok {
			return false
		}
		b := w.BlockAt(loc.BlockX(), loc.BlockY(), loc.BlockZ())
		switch b.Kind() {
		case game.BlockBed:
			if cfg.Spawning.RespectBedSpawn {
				ev.Location = loc
				return true
			}
		case game.BlockAnchor:
			if cfg.Spawning.RespectAnchorSpawn && b.AnchorCharges() > 0 {
				b.SetAnchorCharges(b.AnchorCharges() - 1)
				ev.Location = loc
				return true
			}
		}
		return false
	}
	// Remote routing cannot re-infer the block type at the destination, so
	// it is only taken when both respect toggles are enabled.
	if !cfg.Spawning.RespectBedSpawn || !cfg.Spawning.RespectAnchorSpawn {
		return false
	}
	player := ev.Player
	p.effects.MaskRespawn(player)
	p.sched.RunWorker(func() {
		pending := record.NewPendingTeleport(sp.Server, sp.Location(), p.clk.NowMillis())
		if err := p.disp.WritePending(player.ID(), pending); err != nil {
			p.logger.Warn("respawn.spawn.pending_write_failed", "player", player.ID(), "error", err)
			return
		}
		p.sched.RunGameLater(RemoteAwaitPollTicks, func() {
			if !player.Online() {
				return
			}
			if p.proxy.RequestSwitch(player, sp.Server) {
				p.logger.Debug("respawn.spawn.switch", "player", player.ID(), "server", sp.Server)
				p.schedulePostSwitchCheck(player)
			}
		})
	})
	return true
}

// awaitRemotePlan polls the remote future for up to two seconds, then falls
// back to the local path. A remote compute is never started from here.
func (p *Pipeline) awaitRemotePlan(player game.Player, pl *plan, cfg *conf.Runtime) {
	p.effects.MaskRespawn(player)
	deadline := p.sched.CurrentTick() + RemoteAwaitTicks
	var task game.Task
	task = p.sched.RunGameTimer(RemoteAwaitPollTicks, RemoteAwaitPollTicks, func() {
		resolved, pending := pl.result()
		if resolved {
			task.Cancel()
			if pending == nil {
				p.fallbackLocal(player, cfg)
				return
			}
			if !player.Online() {
				return
			}
			if p.proxy.RequestSwitch(player, pending.Server) {
				p.logger.Debug("respawn.plan.switch", "player", player.ID(), "server", pending.Server)
				p.schedulePostSwitchCheck(player)
				return
			}
			p.sched.RunWorker(func() {
				if err := p.disp.DeletePending(player.ID()); err != nil {
					p.logger.Debug("respawn.plan.cleanup_failed", "player", player.ID(), "error", err)
				}
			})
			p.fallbackLocal(player, cfg)
			return
		}
		if p.sched.CurrentTick() >= deadline {
			task.Cancel()
			p.logger.Debug("respawn.plan.await_timeout", "player", player.ID())
			p.fallbackLocal(player, cfg)
		}
	})
}

// schedulePostSwitchCheck runs the local fallback if the proxy accepted the
// switch but the player is still here shortly after.
func (p *Pipeline) schedulePostSwitchCheck(player game.Player) {
	cfg := p.cfg.Get()
	p.sched.RunGameLater(PostSwitchCheckTicks, func() {
		if player.Online() {
			p.logger.Debug("respawn.switch.still_here", "player", player.ID())
			p.fallbackLocal(player, cfg)
		}
	})
}

// fallbackLocal starts a normal local attempt after the respawn completes.
func (p *Pipeline) fallbackLocal(player game.Player, cfg *conf.Runtime) {
	if !cfg.Spawning.RandomTeleportRespawn {
		return
	}
	world := cfg.ResolveOverworld(cfg.ServerName)
	if world == "" {
		return
	}
	p.sched.RunGameLater(1, func() {
		if !player.Online() {
			return
		}
		p.attempts.Start(player, cfg.ServerName, world, attempt.Options{Bypass: true})
	})
}
