package rtpd

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/attempt"
	"github.com/chumbucket/rtpd/internal/clock"
	"github.com/chumbucket/rtpd/internal/command"
	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/death"
	"github.com/chumbucket/rtpd/internal/dispatch"
	"github.com/chumbucket/rtpd/internal/finalize"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/metrics"
	"github.com/chumbucket/rtpd/internal/presence"
	"github.com/chumbucket/rtpd/internal/responder"
	"github.com/chumbucket/rtpd/internal/spawnsync"
	"github.com/chumbucket/rtpd/internal/store"
)

// Deps carries the host-environment contracts the core runs against. Host,
// Scheduler, Proxy, Finder, Notifier and Effects are required; the rest
// default sensibly.
type Deps struct {
	Host      game.Host
	Scheduler game.Scheduler
	Proxy     game.Proxy
	Finder    game.Finder
	Notifier  game.Notifier
	Effects   game.Effects

	Logger pslog.Logger
	Clock  clock.Clock

	// Store overrides the URL-constructed coordination store. Its
	// lifecycle stays with the caller; the core will not stop it.
	Store store.Store

	// Registry receives the rtpd metric families. When set, the host owns
	// exposition and the core runs no listener of its own; when nil and
	// metrics-listen is configured, the core builds a registry and serves
	// it. Nil with an empty metrics-listen disables metrics entirely.
	Registry prometheus.Registerer
}

func (d Deps) validate() error {
	var missing []string
	if d.Host == nil {
		missing = append(missing, "Host")
	}
	if d.Scheduler == nil {
		missing = append(missing, "Scheduler")
	}
	if d.Proxy == nil {
		missing = append(missing, "Proxy")
	}
	if d.Finder == nil {
		missing = append(missing, "Finder")
	}
	if d.Notifier == nil {
		missing = append(missing, "Notifier")
	}
	if d.Effects == nil {
		missing = append(missing, "Effects")
	}
	if len(missing) > 0 {
		return fmt.Errorf("rtpd: missing deps: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Core is one backend's coordination surface: compute responder, attempt
// manager, finalize-on-join, death/respawn pipeline, spawn sync, presence
// and the /rtp command router, all sharing one store client.
type Core struct {
	cfgFile  string // empty disables Reload and WatchConfig
	provider *conf.Provider
	keys     keyspace.Keys
	logger   pslog.Logger

	store    store.Store
	ownStore bool

	metrics       *metrics.Metrics
	metricsListen string
	pprofListen   string
	telemetry     *telemetryBundle
	watcher       *configWatcher

	presences  *presence.Service
	responders *responder.Responder
	dispatcher *dispatch.Dispatcher
	attempts   *attempt.Manager
	finalizer  *finalize.Finalizer
	deaths     *death.Pipeline
	spawns     *spawnsync.Listener
	router     *command.Router

	started atomic.Bool
}

// New builds a core from an in-memory config. Reload and WatchConfig are
// unavailable; use NewFromFile when the config lives on disk.
func New(cfg Config, d Deps) (*Core, error) {
	return build(cfg, "", d)
}

// NewFromFile loads the YAML config at path and builds a core that can
// Reload from it.
func NewFromFile(path string, d Deps) (*Core, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return build(cfg, path, d)
}

func build(cfg Config, cfgFile string, d Deps) (*Core, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}

	logger := d.Logger.With("server", cfg.ServerName)

	reg := d.Registry
	var ownRegistry *prometheus.Registry
	if reg == nil && cfg.MetricsListen != "" {
		ownRegistry = prometheus.NewRegistry()
		reg = ownRegistry
	}
	met := metrics.New(reg)

	st := d.Store
	ownStore := false
	if st == nil {
		var err error
		st, err = store.FromURL(cfg.Store, store.Options{Clock: d.Clock, Logger: logger})
		if err != nil {
			return nil, err
		}
		ownStore = true
	}

	keys := keyspace.New(cfg.Prefix)
	provider := conf.NewProvider(cfg.Runtime())

	c := &Core{
		cfgFile:       cfgFile,
		provider:      provider,
		keys:          keys,
		logger:        logger,
		store:         st,
		ownStore:      ownStore,
		metrics:       met,
		metricsListen: cfg.MetricsListen,
		pprofListen:   cfg.PprofListen,
	}
	if ownRegistry != nil {
		c.telemetry = newTelemetryBundle(ownRegistry, logger)
	}

	c.dispatcher = dispatch.New(dispatch.Deps{
		Store: st, Keys: keys, Config: provider, Scheduler: d.Scheduler,
		Proxy: d.Proxy, Notifier: d.Notifier, Clock: d.Clock,
		Logger: logger, Metrics: met,
	})
	c.attempts = attempt.NewManager(attempt.Deps{
		Store: st, Keys: keys, Config: provider, Scheduler: d.Scheduler,
		Clock: d.Clock, Host: d.Host, Finder: d.Finder,
		Dispatcher: c.dispatcher, Notifier: d.Notifier,
		Logger: logger, Metrics: met,
	})
	c.responders = responder.New(responder.Deps{
		Store: st, Keys: keys, Config: provider, Scheduler: d.Scheduler,
		Finder: d.Finder, Logger: logger, Metrics: met,
	})
	c.finalizer = finalize.New(finalize.Deps{
		Store: st, Keys: keys, Config: provider, Scheduler: d.Scheduler,
		Clock: d.Clock, Host: d.Host, Effects: d.Effects,
		Notifier: d.Notifier, Logger: logger, Metrics: met,
	})
	c.deaths = death.New(death.Deps{
		Store: st, Keys: keys, Config: provider, Scheduler: d.Scheduler,
		Clock: d.Clock, Host: d.Host, Finder: d.Finder,
		Dispatcher: c.dispatcher, Proxy: d.Proxy, Effects: d.Effects,
		Attempts: c.attempts, Logger: logger, Metrics: met,
	})
	c.spawns = spawnsync.New(spawnsync.Deps{
		Store: st, Keys: keys, Config: provider, Scheduler: d.Scheduler,
		Clock: d.Clock, Logger: logger,
	})
	c.presences = presence.New(presence.Deps{
		Store: st, Keys: keys, Config: provider, Scheduler: d.Scheduler,
		Host: d.Host, Logger: logger, Metrics: met,
	})
	c.router = command.New(command.Deps{
		Config: provider, Attempts: c.attempts, Host: d.Host,
		Notifier: d.Notifier, Reload: c.Reload, Logger: logger,
	})
	return c, nil
}

// Start connects the store, subscribes the compute responder, arms the
// presence heartbeat and, when configured, the telemetry listeners.
func (c *Core) Start() error {
	if c.started.Swap(true) {
		return nil
	}
	if err := c.store.Start(); err != nil {
		c.started.Store(false)
		return fmt.Errorf("rtpd: start store: %w", err)
	}
	go c.responders.Run()
	c.presences.Start()
	if c.telemetry != nil {
		if err := c.telemetry.start(c.metricsListen, c.pprofListen); err != nil {
			c.presences.Stop()
			if c.ownStore {
				c.store.Stop()
			}
			c.started.Store(false)
			return err
		}
	}
	c.logger.Info("core.start", "store", c.store.Running())
	return nil
}

// Stop tears the core down: the config watcher, the presence heartbeat,
// the telemetry listeners and — when the core built it — the store. The
// responder unblocks when the store stops.
func (c *Core) Stop() {
	if !c.started.Swap(false) {
		return
	}
	if c.watcher != nil {
		c.watcher.stop()
		c.watcher = nil
	}
	c.presences.Stop()
	if c.telemetry != nil {
		c.telemetry.shutdown()
	}
	if c.ownStore {
		c.store.Stop()
	}
	c.logger.Info("core.stop")
}

// Reload re-reads the config file and swaps the runtime snapshot. Store
// URL and key prefix are fixed at construction; changes to them are
// ignored with a warning. In-flight operations keep the snapshot they
// started with.
func (c *Core) Reload() error {
	if c.cfgFile == "" {
		return fmt.Errorf("rtpd: core was not built from a file, nothing to reload")
	}
	cfg, err := LoadConfig(c.cfgFile)
	if err != nil {
		return err
	}
	old := c.provider.Get()
	rt := cfg.Runtime()
	if rt.Prefix != old.Prefix {
		c.logger.Warn("core.reload.prefix_ignored", "old", old.Prefix, "new", rt.Prefix)
		rt.Prefix = old.Prefix
	}
	c.provider.Swap(rt)
	c.logger.Info("core.reload", "file", c.cfgFile)
	return nil
}

// HandleCommand routes one /rtp invocation. args are the pre-tokenized
// arguments after the command label.
func (c *Core) HandleCommand(sender game.Audience, args []string) {
	c.router.Execute(sender, args)
}

// TabComplete suggests completions for a partially typed /rtp.
func (c *Core) TabComplete(sender game.Audience, args []string) []string {
	return c.router.TabComplete(sender, args)
}

// HandleJoin runs the join-side pipeline: presence write, then pending
// teleport finalization.
func (c *Core) HandleJoin(p game.Player) {
	c.presences.OnJoin(p)
	c.finalizer.OnJoin(p)
}

// HandleQuit cancels any in-flight attempt and clears per-player state.
func (c *Core) HandleQuit(p game.Player) {
	id := p.ID()
	c.attempts.Cancel(id)
	c.deaths.OnQuit(id)
	c.presences.OnQuit(id)
}

// HandleDeath pre-computes the player's respawn destination.
func (c *Core) HandleDeath(p game.Player) {
	c.deaths.OnDeath(p)
}

// HandleRespawn applies respawn routing and keeps the shared spawn record
// fresh. Call on the game thread before the host applies ev.Location.
func (c *Core) HandleRespawn(ev *game.RespawnEvent) {
	c.deaths.OnRespawn(ev)
	c.spawns.OnRespawnObserved(ev)
}

// HandleBedEnter records the player's shared bed spawn.
func (c *Core) HandleBedEnter(p game.Player, bedLoc game.Location) {
	c.spawns.OnBedEnter(p, bedLoc)
}

// HandleAnchorInteract records the player's shared anchor spawn.
func (c *Core) HandleAnchorInteract(p game.Player, anchorLoc game.Location, charges int) {
	c.spawns.OnAnchorInteract(p, anchorLoc, charges)
}

// HandleAnchorDepleted clears the shared record once an anchor runs dry.
func (c *Core) HandleAnchorDepleted(p game.Player, anchorLoc game.Location) {
	c.spawns.OnAnchorDepleted(p, anchorLoc)
}

// HandleBlockBreak clears the shared record when the owner breaks their
// bed or anchor.
func (c *Core) HandleBlockBreak(p game.Player, blockLoc game.Location, kind game.BlockKind) {
	c.spawns.OnBlockBreak(p, blockLoc, kind)
}

// HandleSpawnSet feeds the host's spawn-set capability into spawn sync.
func (c *Core) HandleSpawnSet(p game.Player, cause spawnsync.SpawnSetCause, loc game.Location) {
	c.spawns.OnSpawnSet(p, cause, loc)
}
