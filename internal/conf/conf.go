// Package conf carries the immutable runtime configuration snapshot the
// components read on every operation. Reload swaps the snapshot atomically;
// in-flight operations keep the snapshot they started with.
package conf

import (
	"strings"
	"sync/atomic"
	"time"
)

// FallbackMode selects how a fallback server is chosen from the enabled list.
type FallbackMode int

const (
	FallbackFirst FallbackMode = iota
	FallbackRandom
)

// ParseFallbackMode maps a config token onto a FallbackMode, defaulting to
// FallbackFirst for anything unrecognized.
func ParseFallbackMode(raw string) FallbackMode {
	if strings.EqualFold(strings.TrimSpace(raw), "random") {
		return FallbackRandom
	}
	return FallbackFirst
}

// String returns the config token for the mode.
func (m FallbackMode) String() string {
	if m == FallbackRandom {
		return "random"
	}
	return "first"
}

// WorldRTP is the per-world RTP switch.
type WorldRTP struct {
	Name    string
	Enabled bool
}

// ServerRTP describes one backend's RTP surface as seen by every backend.
type ServerRTP struct {
	Name         string
	Enabled      bool
	DefaultWorld string
	Worlds       map[string]WorldRTP
}

// WorldEnabled reports whether RTP into the named world is allowed.
func (s ServerRTP) WorldEnabled(world string) bool {
	w, ok := s.Worlds[world]
	return ok && w.Enabled
}

// HasWorld reports whether the world is configured at all.
func (s ServerRTP) HasWorld(world string) bool {
	_, ok := s.Worlds[world]
	return ok
}

// Spawning holds the respawn-routing toggles.
type Spawning struct {
	CrossServerRespawn    bool
	AlwaysSpawnAtSpawn    bool
	RandomTeleportRespawn bool
	RespectBedSpawn       bool
	RespectAnchorSpawn    bool
}

// Runtime is one immutable configuration snapshot.
type Runtime struct {
	ServerName string
	Prefix     string

	RequestTTL time.Duration
	Cooldown   time.Duration
	Countdown  time.Duration

	ResponsePollTicks          int64
	PendingMaxFinalizeAttempts int

	FallbackServers []string
	FallbackMode    FallbackMode

	// Servers is keyed by lowercased server name.
	Servers map[string]ServerRTP

	Spawning Spawning

	// WorldAliases maps friendly tokens (overworld, nether, end) onto
	// world ids.
	WorldAliases map[string]string
}

// IsLocal reports whether the named server is this backend.
func (r *Runtime) IsLocal(server string) bool {
	return strings.EqualFold(server, r.ServerName)
}

// Server looks up a configured server, case-insensitively.
func (r *Runtime) Server(name string) (ServerRTP, bool) {
	s, ok := r.Servers[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// ServerEnabled reports whether the named server accepts RTP.
func (r *Runtime) ServerEnabled(name string) bool {
	s, ok := r.Server(name)
	return ok && s.Enabled
}

// WorldEnabled reports whether RTP into world on server is allowed.
func (r *Runtime) WorldEnabled(server, world string) bool {
	s, ok := r.Server(server)
	if !ok || !s.Enabled {
		return false
	}
	return s.WorldEnabled(world)
}

// ResolveOverworld returns the server's default world when it is configured
// and enabled, or "" otherwise.
func (r *Runtime) ResolveOverworld(server string) string {
	s, ok := r.Server(server)
	if !ok {
		return ""
	}
	world := strings.TrimSpace(s.DefaultWorld)
	if world == "" || !s.HasWorld(world) || !s.WorldEnabled(world) {
		return ""
	}
	return world
}

// OverworldEnabled reports whether the server's default world accepts RTP.
func (r *Runtime) OverworldEnabled(server string) bool {
	return r.ResolveOverworld(server) != ""
}

// MapWorldAlias resolves friendly world tokens onto world ids; unknown
// tokens pass through unchanged.
func (r *Runtime) MapWorldAlias(token string) string {
	t := strings.TrimSpace(token)
	if t == "" {
		return ""
	}
	if mapped, ok := r.WorldAliases[strings.ToLower(t)]; ok {
		return mapped
	}
	return t
}

// IsWorldAlias reports whether token is a configured friendly alias.
func (r *Runtime) IsWorldAlias(token string) bool {
	_, ok := r.WorldAliases[strings.ToLower(strings.TrimSpace(token))]
	return ok
}

// Provider hands out the current snapshot.
type Provider struct {
	v atomic.Pointer[Runtime]
}

// NewProvider returns a provider seeded with the snapshot.
func NewProvider(r *Runtime) *Provider {
	p := &Provider{}
	p.v.Store(r)
	return p
}

// Get returns the current snapshot.
func (p *Provider) Get() *Runtime { return p.v.Load() }

// Swap installs a new snapshot.
func (p *Provider) Swap(r *Runtime) { p.v.Store(r) }
