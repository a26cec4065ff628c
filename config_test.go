package rtpd

import (
	"strings"
	"testing"
	"time"

	"github.com/chumbucket/rtpd/internal/conf"
)

const sampleYAML = `
server-name: SMP
store: redis://localhost:6379/0
prefix: "rtp:"
request-ttl: 10s
cooldown: 45s
countdown: 3s
fallback-servers: [creative]
fallback-mode: random
servers:
  SMP:
    enabled: true
    default-world: world
    worlds:
      world: {enabled: true}
      world_nether: {enabled: false}
  creative:
    enabled: true
    default-world: flat
    worlds:
      flat: {enabled: true}
spawning:
  cross-server-respawn: true
  respect-bed-spawn: true
world-aliases:
  Nether: world_nether
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ServerName != "SMP" || cfg.Cooldown.Std() != 45*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ResponsePollTicks != DefaultResponsePollTicks {
		t.Fatalf("poll ticks default not applied: %d", cfg.ResponsePollTicks)
	}
	if cfg.PendingMaxFinalizeAttempts != DefaultPendingMaxFinalizeAttempts {
		t.Fatalf("finalize attempts default not applied: %d", cfg.PendingMaxFinalizeAttempts)
	}

	rt := cfg.Runtime()
	if !rt.IsLocal("smp") {
		t.Fatalf("server-name comparison must be case-insensitive")
	}
	if _, ok := rt.Server("SMP"); !ok {
		t.Fatalf("server lookup must be case-insensitive")
	}
	if rt.WorldEnabled("smp", "world_nether") {
		t.Fatalf("disabled world leaked through")
	}
	if rt.FallbackMode != conf.FallbackRandom {
		t.Fatalf("fallback mode = %v, want random", rt.FallbackMode)
	}
	if rt.MapWorldAlias("NETHER") != "world_nether" {
		t.Fatalf("alias lookup must be case-insensitive")
	}
}

func TestParseConfigIntegerDurations(t *testing.T) {
	cfg, err := ParseConfig([]byte("server-name: smp\ncooldown: 30\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Cooldown.Std() != 30*time.Second {
		t.Fatalf("bare integers should read as seconds, got %v", cfg.Cooldown.Std())
	}
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	if _, err := ParseConfig([]byte("server-name: smp\nserver-nmae: typo\n")); err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing server name", "store: mem://\n", "server-name"},
		{"bad fallback mode", "server-name: smp\nfallback-mode: shuffled\n", "fallback-mode"},
		{
			"default world not configured",
			"server-name: smp\nservers:\n  smp:\n    enabled: true\n    default-world: world\n",
			"default-world",
		},
		{
			"unknown fallback server",
			"server-name: smp\nfallback-servers: [ghost]\n",
			"fallback",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestDefaultsAppliedToZeroConfig(t *testing.T) {
	cfg := Config{ServerName: "smp"}
	cfg.ApplyDefaults()
	if cfg.Store != DefaultStore || cfg.Prefix != DefaultPrefix {
		t.Fatalf("store/prefix defaults not applied: %+v", cfg)
	}
	if cfg.RequestTTL.Std() != DefaultRequestTTL || cfg.Cooldown.Std() != DefaultCooldown {
		t.Fatalf("duration defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaulted config should validate: %v", err)
	}
}
