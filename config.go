package rtpd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/keyspace"
)

const (
	// DefaultStore points the core at the in-memory backend when no store
	// URL is configured. Production deployments set redis:// here.
	DefaultStore = "mem://"
	// DefaultPrefix namespaces every shared key and channel.
	DefaultPrefix = keyspace.DefaultPrefix
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty
	// disables the listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultRequestTTL bounds compute responses and pending teleports.
	DefaultRequestTTL = 10 * time.Second
	// DefaultCooldown throttles repeat RTP use per player.
	DefaultCooldown = 30 * time.Second
	// DefaultCountdown is the stand-still delay before a teleport fires.
	DefaultCountdown = 3 * time.Second
	// DefaultResponsePollTicks is the compute-response poll period.
	DefaultResponsePollTicks = 2
	// DefaultPendingMaxFinalizeAttempts caps how many joins may retry one
	// pending teleport before it is dropped.
	DefaultPendingMaxFinalizeAttempts = 3
)

// Duration is a time.Duration that YAML-decodes from tokens like "45s" or
// "2m". A bare integer is read as whole seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("rtpd: duration: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("rtpd: duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// WorldConfig is the per-world RTP switch.
type WorldConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig describes one backend's RTP surface. Every backend carries
// the full server map so targets can be validated without a round-trip.
type ServerConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	DefaultWorld string                 `yaml:"default-world"`
	Worlds       map[string]WorldConfig `yaml:"worlds"`
}

// SpawningConfig holds the respawn-routing toggles.
type SpawningConfig struct {
	CrossServerRespawn    bool `yaml:"cross-server-respawn"`
	AlwaysSpawnAtSpawn    bool `yaml:"always-spawn-at-spawn"`
	RandomTeleportRespawn bool `yaml:"random-teleport-respawn"`
	RespectBedSpawn       bool `yaml:"respect-bed-spawn"`
	RespectAnchorSpawn    bool `yaml:"respect-anchor-spawn"`
}

// Config is the YAML-facing configuration of one backend's core.
type Config struct {
	// ServerName is this backend's name as the proxy knows it.
	ServerName string `yaml:"server-name"`

	// Store is the coordination store URL (redis://, rediss:// or mem://).
	Store string `yaml:"store"`
	// Prefix namespaces every key and channel in the store.
	Prefix string `yaml:"prefix"`

	MetricsListen string `yaml:"metrics-listen"`
	PprofListen   string `yaml:"pprof-listen"`

	// RequestTTL bounds compute responses and pending teleports. Countdown
	// is the stand-still delay before a teleport fires; zero disables it.
	RequestTTL                 Duration `yaml:"request-ttl"`
	Cooldown                   Duration `yaml:"cooldown"`
	Countdown                  Duration `yaml:"countdown"`
	ResponsePollTicks          int64    `yaml:"response-poll-ticks"`
	PendingMaxFinalizeAttempts int      `yaml:"pending-max-finalize-attempts"`

	// FallbackServers are tried in order when the local server cannot
	// serve an RTP; FallbackMode "random" picks among the enabled ones.
	FallbackServers []string `yaml:"fallback-servers"`
	FallbackMode    string   `yaml:"fallback-mode"`

	Servers map[string]ServerConfig `yaml:"servers"`

	Spawning SpawningConfig `yaml:"spawning"`

	// WorldAliases maps friendly command tokens onto world ids, e.g.
	// nether: world_nether.
	WorldAliases map[string]string `yaml:"world-aliases"`
}

// ApplyDefaults fills zero values with the package defaults.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultPrefix
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = Duration(DefaultRequestTTL)
	}
	if c.Cooldown <= 0 {
		c.Cooldown = Duration(DefaultCooldown)
	}
	if c.Countdown < 0 {
		c.Countdown = Duration(DefaultCountdown)
	}
	if c.ResponsePollTicks <= 0 {
		c.ResponsePollTicks = DefaultResponsePollTicks
	}
	if c.PendingMaxFinalizeAttempts <= 0 {
		c.PendingMaxFinalizeAttempts = DefaultPendingMaxFinalizeAttempts
	}
}

// Validate reports configuration errors that would make the core
// malfunction. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerName) == "" {
		return fmt.Errorf("rtpd: server-name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.FallbackMode)) {
	case "", "first", "random":
	default:
		return fmt.Errorf("rtpd: unknown fallback-mode %q (want first or random)", c.FallbackMode)
	}
	for name, s := range c.Servers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("rtpd: servers map contains an empty name")
		}
		if s.DefaultWorld != "" {
			if _, ok := s.Worlds[s.DefaultWorld]; !ok {
				return fmt.Errorf("rtpd: server %q default-world %q is not in its worlds map", name, s.DefaultWorld)
			}
		}
	}
	for _, fb := range c.FallbackServers {
		if _, ok := c.lookupServer(fb); !ok {
			return fmt.Errorf("rtpd: fallback server %q is not configured", fb)
		}
	}
	return nil
}

func (c *Config) lookupServer(name string) (ServerConfig, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for n, s := range c.Servers {
		if strings.ToLower(n) == want {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// Runtime converts the config into the immutable snapshot the components
// read. Server keys are lowercased for case-insensitive lookup.
func (c *Config) Runtime() *conf.Runtime {
	servers := make(map[string]conf.ServerRTP, len(c.Servers))
	for name, s := range c.Servers {
		worlds := make(map[string]conf.WorldRTP, len(s.Worlds))
		for w, wc := range s.Worlds {
			worlds[w] = conf.WorldRTP{Name: w, Enabled: wc.Enabled}
		}
		servers[strings.ToLower(name)] = conf.ServerRTP{
			Name:         name,
			Enabled:      s.Enabled,
			DefaultWorld: s.DefaultWorld,
			Worlds:       worlds,
		}
	}
	aliases := make(map[string]string, len(c.WorldAliases))
	for a, w := range c.WorldAliases {
		aliases[strings.ToLower(a)] = w
	}
	return &conf.Runtime{
		ServerName:                 c.ServerName,
		Prefix:                     c.Prefix,
		RequestTTL:                 c.RequestTTL.Std(),
		Cooldown:                   c.Cooldown.Std(),
		Countdown:                  c.Countdown.Std(),
		ResponsePollTicks:          c.ResponsePollTicks,
		PendingMaxFinalizeAttempts: c.PendingMaxFinalizeAttempts,
		FallbackServers:            append([]string(nil), c.FallbackServers...),
		FallbackMode:               conf.ParseFallbackMode(c.FallbackMode),
		Servers:                    servers,
		Spawning: conf.Spawning{
			CrossServerRespawn:    c.Spawning.CrossServerRespawn,
			AlwaysSpawnAtSpawn:    c.Spawning.AlwaysSpawnAtSpawn,
			RandomTeleportRespawn: c.Spawning.RandomTeleportRespawn,
			RespectBedSpawn:       c.Spawning.RespectBedSpawn,
			RespectAnchorSpawn:    c.Spawning.RespectAnchorSpawn,
		},
		WorldAliases: aliases,
	}
}

// ParseConfig decodes YAML, applies defaults and validates.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("rtpd: parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rtpd: read config: %w", err)
	}
	return ParseConfig(raw)
}
