package conf

import (
	"testing"
	"time"
)

func testRuntime() *Runtime {
	return &Runtime{
		ServerName: "lobby",
		Prefix:     "rtp:",
		RequestTTL: 30 * time.Second,
		Servers: map[string]ServerRTP{
			"lobby": {
				Name:         "lobby",
				Enabled:      false,
				DefaultWorld: "world",
				Worlds:       map[string]WorldRTP{"world": {Name: "world", Enabled: true}},
			},
			"smp": {
				Name:         "smp",
				Enabled:      true,
				DefaultWorld: "world",
				Worlds: map[string]WorldRTP{
					"world":        {Name: "world", Enabled: true},
					"world_nether": {Name: "world_nether", Enabled: false},
				},
			},
			"creative": {
				Name:         "creative",
				Enabled:      true,
				DefaultWorld: "flat",
				Worlds:       map[string]WorldRTP{},
			},
		},
		WorldAliases: map[string]string{
			"overworld": "world",
			"nether":    "world_nether",
			"end":       "world_the_end",
		},
	}
}

func TestServerLookupIsCaseInsensitive(t *testing.T) {
	r := testRuntime()
	if !r.ServerEnabled("SMP") {
		t.Fatalf("SMP should resolve to enabled server smp")
	}
	if r.ServerEnabled("lobby") {
		t.Fatalf("lobby is disabled")
	}
	if r.ServerEnabled("missing") {
		t.Fatalf("unknown server reported enabled")
	}
	if !r.IsLocal("LOBBY") {
		t.Fatalf("IsLocal should compare case-insensitively")
	}
}

func TestWorldEnabled(t *testing.T) {
	r := testRuntime()
	if !r.WorldEnabled("smp", "world") {
		t.Fatalf("smp/world should be enabled")
	}
	if r.WorldEnabled("smp", "world_nether") {
		t.Fatalf("smp/world_nether is disabled")
	}
	if r.WorldEnabled("lobby", "world") {
		t.Fatalf("disabled server must disable all worlds")
	}
}

func TestResolveOverworld(t *testing.T) {
	r := testRuntime()
	if got := r.ResolveOverworld("smp"); got != "world" {
		t.Fatalf("ResolveOverworld(smp) = %q, want world", got)
	}
	// Default world not present in the world map.
	if got := r.ResolveOverworld("creative"); got != "" {
		t.Fatalf("ResolveOverworld(creative) = %q, want empty", got)
	}
	if r.OverworldEnabled("creative") {
		t.Fatalf("creative overworld should not be enabled")
	}
}

func TestMapWorldAlias(t *testing.T) {
	r := testRuntime()
	cases := map[string]string{
		"overworld":    "world",
		"Nether":       "world_nether",
		"END":          "world_the_end",
		"custom_world": "custom_world",
	}
	for in, want := range cases {
		if got := r.MapWorldAlias(in); got != want {
			t.Fatalf("MapWorldAlias(%q) = %q, want %q", in, got, want)
		}
	}
	if !r.IsWorldAlias("nether") || r.IsWorldAlias("custom_world") {
		t.Fatalf("alias detection broken")
	}
}

func TestParseFallbackMode(t *testing.T) {
	if ParseFallbackMode("random") != FallbackRandom {
		t.Fatalf("random should parse")
	}
	if ParseFallbackMode("RANDOM") != FallbackRandom {
		t.Fatalf("parsing should be case-insensitive")
	}
	for _, raw := range []string{"first", "", "bogus"} {
		if ParseFallbackMode(raw) != FallbackFirst {
			t.Fatalf("ParseFallbackMode(%q) should default to first", raw)
		}
	}
}

func TestProviderSwap(t *testing.T) {
	r1 := testRuntime()
	p := NewProvider(r1)
	if p.Get() != r1 {
		t.Fatalf("Get should return seeded snapshot")
	}
	r2 := testRuntime()
	r2.ServerName = "smp"
	p.Swap(r2)
	if p.Get().ServerName != "smp" {
		t.Fatalf("Swap did not install the new snapshot")
	}
}
