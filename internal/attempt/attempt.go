// Package attempt runs the per-player RTP state machine: cooldown check,
// search (local finder or remote compute), countdown with movement cancel,
// and dispatch (teleport or proxy handoff). A player has at most one live
// attempt per backend; starting a new one silently cancels the prior.
package attempt

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/clock"
	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/dispatch"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/metrics"
	"github.com/chumbucket/rtpd/internal/msg"
	"github.com/chumbucket/rtpd/internal/record"
	"github.com/chumbucket/rtpd/internal/store"
)

// Bypass permissions. Admin-initiated attempts bypass both regardless.
const (
	PermBypassCooldown  = "rtp.bypass.cooldown"
	PermBypassCountdown = "rtp.bypass.countdown"
)

// Movement monitor tuning. The baseline arms only after five identical
// block-cell samples (about one second of stillness) so players who were
// still moving when the command fired are not cancelled immediately.
const (
	monitorDelayTicks    = 4
	monitorPeriodTicks   = 4
	monitorStableSamples = 5
	jumpCancelDelta      = 0.20
)

// Deps carries the collaborators of the attempt manager.
type Deps struct {
	Store      store.Store
	Keys       keyspace.Keys
	Config     *conf.Provider
	Scheduler  game.Scheduler
	Clock      clock.Clock
	Host       game.Host
	Finder     game.Finder
	Dispatcher *dispatch.Dispatcher
	Notifier   game.Notifier
	Logger     pslog.Logger
	Metrics    *metrics.Metrics
}

// Options tunes one attempt.
type Options struct {
	// Bypass skips the cooldown and the countdown. Set for admin-initiated
	// and respawn-fallback attempts.
	Bypass bool
}

// Manager owns the per-player attempt slots.
type Manager struct {
	store   store.Store
	keys    keyspace.Keys
	cfg     *conf.Provider
	sched   game.Scheduler
	clk     clock.Clock
	host    game.Host
	finder  game.Finder
	disp    *dispatch.Dispatcher
	notify  game.Notifier
	logger  pslog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	attempts map[uuid.UUID]*Attempt
}

// NewManager builds an attempt manager.
func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Manager{
		store:    d.Store,
		keys:     d.Keys,
		cfg:      d.Config,
		sched:    d.Scheduler,
		clk:      d.Clock,
		host:     d.Host,
		finder:   d.Finder,
		disp:     d.Dispatcher,
		notify:   d.Notifier,
		logger:   d.Logger,
		metrics:  d.Metrics,
		attempts: make(map[uuid.UUID]*Attempt),
	}
}

// Active reports whether the player has a live attempt.
func (m *Manager) Active(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id] != nil
}

// Cancel silently terminates the player's live attempt, if any. Used on quit.
func (m *Manager) Cancel(id uuid.UUID) {
	m.mu.Lock()
	a := m.attempts[id]
	m.mu.Unlock()
	if a != nil {
		a.terminate(outcomeCancelled, "", nil)
	}
}

// Start begins an attempt for p toward targetServer/world. Any prior attempt
// of the player is cancelled silently before the new one runs its first
// continuation.
func (m *Manager) Start(p game.Player, targetServer, world string, opts Options) {
	a := &Attempt{
		id:     xid.New().String(),
		m:      m,
		player: p,
		target: targetServer,
		world:  world,
		opts:   opts,
	}
	m.mu.Lock()
	if prev := m.attempts[p.ID()]; prev != nil {
		prev.cancelled.Store(true)
	}
	m.attempts[p.ID()] = a
	m.mu.Unlock()

	m.metrics.AttemptStarted()
	m.logger.Info("attempt.start",
		"attempt", a.id, "player", p.ID(), "target", targetServer, "world", world, "bypass", opts.Bypass)

	a.startMonitor()
	m.sched.RunWorker(a.checkCooldown)
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeCancelled
)

type blockCell struct {
	world      string
	bx, by, bz int
}

func cellOf(loc game.Location) blockCell {
	return blockCell{world: loc.World, bx: loc.BlockX(), by: loc.BlockY(), bz: loc.BlockZ()}
}

// Attempt is one player's RTP action from command to terminal outcome.
type Attempt struct {
	id     string
	m      *Manager
	player game.Player
	target string
	world  string
	opts   Options

	cancelled   atomic.Bool
	finished    atomic.Bool
	inCountdown atomic.Bool

	// search result: exactly one of these is set before dispatch.
	localLoc *game.Location
	resp     *record.ComputeResponse

	monitorTask game.Task

	// monitor state, game thread only
	stable    int
	lastCell  blockCell
	hasSample bool
	armed     bool
	baseline  blockCell
	baselineY float64
}

func (a *Attempt) done() bool { return a.cancelled.Load() }

// isCancelled is handed to the dispatcher's poller.
func (a *Attempt) isCancelled() bool { return a.cancelled.Load() }

// terminate moves the attempt to a terminal state exactly once. key, when
// non-empty, is the notification sent to the player.
func (a *Attempt) terminate(out outcome, key string, params map[string]string) {
	if !a.finished.CompareAndSwap(false, true) {
		return
	}
	a.cancelled.Store(true)
	if a.monitorTask != nil {
		a.monitorTask.Cancel()
	}
	a.m.mu.Lock()
	if a.m.attempts[a.player.ID()] == a {
		delete(a.m.attempts, a.player.ID())
	}
	a.m.mu.Unlock()
	if key != "" {
		a.m.notify.Notify(a.player, key, params)
	}
	switch out {
	case outcomeOK:
		a.m.metrics.AttemptSucceeded()
		a.m.logger.Info("attempt.success", "attempt", a.id, "player", a.player.ID())
	case outcomeFailed:
		a.m.metrics.AttemptFailed()
		a.m.logger.Info("attempt.failed", "attempt", a.id, "player", a.player.ID(), "reason", key)
	case outcomeCancelled:
		a.m.metrics.AttemptCancelled()
		a.m.logger.Debug("attempt.cancelled", "attempt", a.id, "player", a.player.ID())
	}
}

// checkCooldown runs on a worker. The cooldown is read-then-set: a rejection
// does not refresh the key, and store trouble fails open.
func (a *Attempt) checkCooldown() {
	if a.done() {
		return
	}
	cfg := a.m.cfg.Get()
	skip := a.opts.Bypass || a.player.HasPermission(PermBypassCooldown)
	if !skip && cfg.Cooldown > 0 && a.m.store.Running() {
		ctx := context.Background()
		key := a.m.keys.Cooldown(a.player.ID())
		_, err := a.m.store.Get(ctx, key)
		switch {
		case err == nil:
			remaining := cfg.Cooldown
			if ttl, terr := a.m.store.TTL(ctx, key); terr == nil && ttl > 0 {
				remaining = ttl
			}
			secs := int64(math.Ceil(remaining.Seconds()))
			a.m.metrics.CooldownRejected()
			a.m.logger.Debug("attempt.cooldown.reject", "attempt", a.id, "remaining_s", secs)
			a.terminate(outcomeFailed, msg.CooldownActive, msg.Seconds(secs))
			return
		case errors.Is(err, store.ErrNotFound):
			if serr := a.m.store.SetEx(ctx, key, cfg.Cooldown, "1"); serr != nil {
				a.m.logger.Debug("attempt.cooldown.set_failed", "attempt", a.id, "error", serr)
			}
		default:
			// Fail open: a slow or broken store must not block teleports.
			a.m.logger.Debug("attempt.cooldown.read_failed", "attempt", a.id, "error", err)
		}
	}
	a.search(cfg)
}

// search resolves the destination. Movement is not a cancel cause here; the
// monitor only cancels once the countdown has begun.
func (a *Attempt) search(cfg *conf.Runtime) {
	if cfg.IsLocal(a.target) {
		a.m.sched.RunGame(func() {
			if a.done() {
				return
			}
			if !a.player.Online() {
				a.terminate(outcomeCancelled, "", nil)
				return
			}
			a.m.finder.FindSafe(a.world, func(loc *game.Location, err error) {
				if a.done() {
					return
				}
				if err != nil || loc == nil {
					if err != nil {
						a.m.logger.Warn("attempt.search.finder_failed", "attempt", a.id, "error", err)
					}
					a.terminate(outcomeFailed, msg.NoSafeLocation, nil)
					return
				}
				a.localLoc = loc
				a.afterSearch()
			})
		})
		return
	}
	a.m.disp.RequestCompute(a.player.ID(), a.target, a.world, a.isCancelled, func(resp *record.ComputeResponse) {
		if a.done() {
			return
		}
		switch {
		case resp == nil:
			a.terminate(outcomeFailed, msg.ComputeTimeout, nil)
		case !resp.OK:
			a.terminate(outcomeFailed, msg.NoSafeLocation, nil)
		default:
			a.resp = resp
			a.afterSearch()
		}
	})
}

// afterSearch runs the countdown, or dispatches immediately for bypass.
func (a *Attempt) afterSearch() {
	cfg := a.m.cfg.Get()
	seconds := int64(cfg.Countdown.Seconds())
	if seconds <= 0 || a.opts.Bypass || a.player.HasPermission(PermBypassCountdown) {
		a.dispatch()
		return
	}
	a.inCountdown.Store(true)
	// One status message per second: N immediately, then N-1..1.
	a.m.sched.RunGame(func() {
		if !a.done() {
			a.m.notify.Notify(a.player, msg.TeleportingIn, msg.Seconds(seconds))
		}
	})
	for i := int64(1); i < seconds; i++ {
		remaining := seconds - i
		a.m.sched.RunGameLater(i*game.TicksPerSecond, func() {
			if !a.done() {
				a.m.notify.Notify(a.player, msg.TeleportingIn, msg.Seconds(remaining))
			}
		})
	}
	a.m.sched.RunGameLater(seconds*game.TicksPerSecond, func() {
		if a.done() {
			return
		}
		a.inCountdown.Store(false)
		a.dispatch()
	})
}

// dispatch performs the terminal action: local preload+teleport, or the
// remote pending handoff.
func (a *Attempt) dispatch() {
	if a.resp != nil {
		a.m.sched.RunWorker(func() {
			if a.done() {
				return
			}
			a.m.disp.Complete(a.player, *a.resp, func(ok bool) {
				if ok {
					a.terminate(outcomeOK, "", nil)
				} else {
					// The dispatcher already told the player.
					a.terminate(outcomeFailed, "", nil)
				}
			})
		})
		return
	}
	loc := *a.localLoc
	a.m.sched.RunGame(func() {
		if a.done() {
			return
		}
		if !a.player.Online() {
			a.terminate(outcomeCancelled, "", nil)
			return
		}
		w, ok := a.m.host.World(loc.World)
		if !ok {
			a.terminate(outcomeFailed, msg.UnknownWorld, msg.World(loc.World))
			return
		}
		w.PreloadChunk(loc.ChunkX(), loc.ChunkZ(), func(err error) {
			if err != nil {
				a.m.logger.Warn("attempt.preload_failed", "attempt", a.id, "error", err)
			}
			a.m.sched.RunGame(func() {
				if a.done() {
					return
				}
				if !a.player.Online() {
					a.terminate(outcomeCancelled, "", nil)
					return
				}
				a.player.Teleport(loc, func(ok bool, terr error) {
					if a.done() {
						return
					}
					if !ok || terr != nil {
						if terr != nil {
							a.m.logger.Warn("attempt.teleport_failed", "attempt", a.id, "error", terr)
						}
						a.terminate(outcomeFailed, msg.TeleportFailed, nil)
						return
					}
					a.terminate(outcomeOK, msg.Teleported, msg.World(loc.World))
				})
			})
		})
	})
}

// startMonitor arms the movement sampler. It samples from attempt start so
// the stillness baseline can be ready by the time the countdown begins.
func (a *Attempt) startMonitor() {
	a.monitorTask = a.m.sched.RunGameTimer(monitorDelayTicks, monitorPeriodTicks, a.sampleMovement)
}

// sampleMovement runs on the game thread every four ticks.
func (a *Attempt) sampleMovement() {
	if a.done() {
		if a.monitorTask != nil {
			a.monitorTask.Cancel()
		}
		return
	}
	if !a.player.Online() {
		return
	}
	loc := a.player.Location()
	cell := cellOf(loc)
	if !a.armed {
		if a.hasSample && cell == a.lastCell {
			a.stable++
		} else {
			a.stable = 1
		}
		a.hasSample = true
		a.lastCell = cell
		if a.stable >= monitorStableSamples {
			a.armed = true
			a.baseline = cell
			a.baselineY = loc.Y
		}
		return
	}
	if !a.inCountdown.Load() {
		return
	}
	if cell != a.baseline || loc.Y > a.baselineY+jumpCancelDelta {
		a.m.logger.Debug("attempt.movement.cancel",
			"attempt", a.id, "player", a.player.ID(), "world", cell.world)
		a.terminate(outcomeCancelled, msg.CancelledMoved, nil)
	}
}
