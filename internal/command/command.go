// Package command parses the pre-tokenized /rtp argument forms and hands
// valid requests to the attempt manager. The host owns registration,
// tokenizing and display; rtpd owns resolution, permission gates and
// validation.
package command

import (
	"math/rand/v2"
	"sort"
	"strings"

	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/attempt"
	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/msg"
)

// Permissions gating the command surface.
const (
	PermUse    = "rtp.use"
	PermAdmin  = "rtp.admin"
	PermReload = "rtp.reload"
)

// Deps carries the collaborators of the router.
type Deps struct {
	Config   *conf.Provider
	Attempts *attempt.Manager
	Host     game.Host
	Notifier game.Notifier
	// Reload re-reads the configuration; wired to the core's Reload.
	Reload func() error
	Logger pslog.Logger
}

// Router resolves /rtp invocations.
type Router struct {
	cfg      *conf.Provider
	attempts *attempt.Manager
	host     game.Host
	notify   game.Notifier
	reload   func() error
	logger   pslog.Logger
}

// New builds a router.
func New(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	return &Router{
		cfg:      d.Config,
		attempts: d.Attempts,
		host:     d.Host,
		notify:   d.Notifier,
		reload:   d.Reload,
		logger:   d.Logger,
	}
}

// Execute handles one /rtp invocation. Forms: self, <server>, <world-alias>,
// <player> [server] [world] (admin), reload.
func (r *Router) Execute(sender game.Audience, args []string) {
	cfg := r.cfg.Get()

	if len(args) > 0 && strings.EqualFold(args[0], "reload") {
		r.runReload(sender)
		return
	}
	if !sender.HasPermission(PermUse) {
		r.notify.Notify(sender, msg.NoPermission, nil)
		return
	}

	switch len(args) {
	case 0:
		p, ok := sender.(game.Player)
		if !ok {
			r.notify.Notify(sender, msg.PlayersOnly, nil)
			return
		}
		server, world, found := r.defaultTarget(cfg)
		if !found {
			r.notify.Notify(sender, msg.ServerDisabled, nil)
			return
		}
		r.attempts.Start(p, server, world, attempt.Options{})
	case 1:
		r.executeSingle(sender, cfg, args[0])
	default:
		r.executeAdmin(sender, cfg, args)
	}
}

// executeSingle resolves /rtp <token>: a world alias, a server name, or —
// for admins — a player name.
func (r *Router) executeSingle(sender game.Audience, cfg *conf.Runtime, token string) {
	p, isPlayer := sender.(game.Player)

	if cfg.IsWorldAlias(token) {
		if !isPlayer {
			r.notify.Notify(sender, msg.PlayersOnly, nil)
			return
		}
		world := cfg.MapWorldAlias(token)
		server, found := r.serverForWorld(cfg, world)
		if !found {
			r.notify.Notify(sender, msg.WorldDisabled, msg.World(world))
			return
		}
		r.attempts.Start(p, server, world, attempt.Options{})
		return
	}
	if s, ok := cfg.Server(token); ok {
		if !isPlayer {
			r.notify.Notify(sender, msg.PlayersOnly, nil)
			return
		}
		if !s.Enabled {
			r.notify.Notify(sender, msg.ServerDisabled, msg.Server(s.Name))
			return
		}
		world := cfg.ResolveOverworld(s.Name)
		if world == "" {
			r.notify.Notify(sender, msg.WorldDisabled, msg.Server(s.Name))
			return
		}
		r.attempts.Start(p, s.Name, world, attempt.Options{})
		return
	}
	if sender.HasPermission(PermAdmin) {
		if target := r.findPlayer(token); target != nil {
			server, world, found := r.defaultTarget(cfg)
			if !found {
				r.notify.Notify(sender, msg.ServerDisabled, nil)
				return
			}
			r.attempts.Start(target, server, world, attempt.Options{Bypass: true})
			return
		}
	}
	r.notify.Notify(sender, msg.UnknownServer, msg.Server(token))
}

// executeAdmin resolves /rtp <player> <server> [world].
func (r *Router) executeAdmin(sender game.Audience, cfg *conf.Runtime, args []string) {
	if !sender.HasPermission(PermAdmin) {
		r.notify.Notify(sender, msg.NoPermission, nil)
		return
	}
	target := r.findPlayer(args[0])
	if target == nil {
		r.notify.Notify(sender, msg.PlayerNotFound, map[string]string{"player": args[0]})
		return
	}
	s, ok := cfg.Server(args[1])
	if !ok {
		r.notify.Notify(sender, msg.UnknownServer, msg.Server(args[1]))
		return
	}
	if !s.Enabled {
		r.notify.Notify(sender, msg.ServerDisabled, msg.Server(s.Name))
		return
	}
	world := cfg.ResolveOverworld(s.Name)
	if len(args) >= 3 {
		world = cfg.MapWorldAlias(args[2])
	}
	if world == "" || !cfg.WorldEnabled(s.Name, world) {
		r.notify.Notify(sender, msg.WorldDisabled, msg.World(world))
		return
	}
	r.logger.Info("command.admin_rtp",
		"sender", sender.Name(), "target", target.Name(), "server", s.Name, "world", world)
	r.attempts.Start(target, s.Name, world, attempt.Options{Bypass: true})
}

func (r *Router) runReload(sender game.Audience) {
	if !sender.HasPermission(PermReload) {
		r.notify.Notify(sender, msg.NoPermission, nil)
		return
	}
	if r.reload == nil {
		r.notify.Notify(sender, msg.ReloadFailed, nil)
		return
	}
	if err := r.reload(); err != nil {
		r.logger.Error("command.reload_failed", "error", err)
		r.notify.Notify(sender, msg.ReloadFailed, map[string]string{"error": err.Error()})
		return
	}
	r.logger.Info("command.reload", "sender", sender.Name())
	r.notify.Notify(sender, msg.ReloadComplete, nil)
}

// defaultTarget picks the destination for a bare /rtp: the local server when
// its RTP is usable, otherwise a fallback server per the configured mode.
func (r *Router) defaultTarget(cfg *conf.Runtime) (server, world string, ok bool) {
	if cfg.ServerEnabled(cfg.ServerName) && cfg.OverworldEnabled(cfg.ServerName) {
		return cfg.ServerName, cfg.ResolveOverworld(cfg.ServerName), true
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

// serverForWorld finds a server where RTP into world is enabled, preferring
// the local one.
func (r *Router) serverForWorld(cfg *conf.Runtime, world string) (string, bool) {
	if cfg.WorldEnabled(cfg.ServerName, world) {
		return cfg.ServerName, true
	}
	for _, s := range cfg.FallbackServers {
		if cfg.WorldEnabled(s, world) {
			return s, true
		}
	}
	return "", false
}

func (r *Router) findPlayer(name string) game.Player {
	for _, p := range r.host.OnlinePlayers() {
		if strings.EqualFold(p.Name(), name) {
			return p
		}
	}
	return nil
}

// TabComplete suggests completions for the partially typed argument list.
func (r *Router) TabComplete(sender game.Audience, args []string) []string {
	cfg := r.cfg.Get()
	admin := sender.HasPermission(PermAdmin)
	var prefix string
	var out []string

	switch len(args) {
	case 0, 1:
		if len(args) == 1 {
			prefix = args[0]
		}
		for name, s := range cfg.Servers {
			if s.Enabled {
				out = append(out, name)
			}
		}
		for alias := range cfg.WorldAliases {
			out = append(out, alias)
		}
		if sender.HasPermission(PermReload) {
			out = append(out, "reload")
		}
		if admin {
			for _, p := range r.host.OnlinePlayers() {
				out = append(out, p.Name())
			}
		}
	case 2:
		if !admin {
			return nil
		}
		prefix = args[1]
		for name, s := range cfg.Servers {
			if s.Enabled {
				out = append(out, name)
			}
		}
	case 3:
		if !admin {
			return nil
		}
		prefix = args[2]
		if s, ok := cfg.Server(args[1]); ok {
			for w := range s.Worlds {
				out = append(out, w)
			}
		}
		for alias := range cfg.WorldAliases {
			out = append(out, alias)
		}
	default:
		return nil
	}

	filtered := out[:0]
	lower := strings.ToLower(prefix)
	for _, c := range out {
		if strings.HasPrefix(strings.ToLower(c), lower) {
			filtered = append(filtered, c)
		}
	}
	sort.Strings(filtered)
	return filtered
}
