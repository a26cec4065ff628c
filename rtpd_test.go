package rtpd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chumbucket/rtpd/internal/clock"
	"github.com/chumbucket/rtpd/internal/command"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/gametest"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/msg"
	"github.com/chumbucket/rtpd/internal/store"
)

// backend is one simulated game server running a core against the shared
// store.
type backend struct {
	core     *Core
	sched    *gametest.Scheduler
	host     *gametest.Host
	finder   *gametest.Finder
	notifier *gametest.Notifier
	proxy    *gametest.Proxy
	effects  *gametest.Effects
}

func fleetConfig(serverName string) Config {
	return Config{
		ServerName: serverName,
		Prefix:     "rtp:",
		RequestTTL: Duration(10 * time.Second),
		Cooldown:   Duration(30 * time.Second),
		Countdown:  Duration(3 * time.Second),
		Servers: map[string]ServerConfig{
			"smp": {
				Enabled:      true,
				DefaultWorld: "world",
				Worlds:       map[string]WorldConfig{"world": {Enabled: true}},
			},
			"creative": {
				Enabled:      true,
				DefaultWorld: "flat",
				Worlds:       map[string]WorldConfig{"flat": {Enabled: true}},
			},
		},
		FallbackServers: []string{"creative"},
		WorldAliases:    map[string]string{"overworld": "world"},
	}
}

func newBackend(t *testing.T, name string, mem *store.Memory, clk clock.Clock, worlds ...string) *backend {
	t.Helper()
	b := &backend{
		sched:    gametest.NewScheduler(),
		host:     gametest.NewHost(),
		finder:   &gametest.Finder{},
		notifier: &gametest.Notifier{},
		proxy:    &gametest.Proxy{},
		effects:  gametest.NewEffects(),
	}
	for _, w := range worlds {
		b.host.AddWorld(gametest.NewWorld(w))
	}
	core, err := New(fleetConfig(name), Deps{
		Host:      b.host,
		Scheduler: b.sched,
		Proxy:     b.proxy,
		Finder:    b.finder,
		Notifier:  b.notifier,
		Effects:   b.effects,
		Clock:     clk,
		Store:     mem,
	})
	if err != nil {
		t.Fatalf("build %s core: %v", name, err)
	}
	if err := core.Start(); err != nil {
		t.Fatalf("start %s core: %v", name, err)
	}
	t.Cleanup(core.Stop)
	b.core = core
	return b
}

// waitForSubscribers blocks until n responders have registered on the
// compute channel. Core.Start runs the subscription on its own goroutine.
func waitForSubscribers(t *testing.T, mem *store.Memory, n int) {
	t.Helper()
	ch := keyspace.New("rtp:").ComputeChannel()
	deadline := time.Now().Add(2 * time.Second)
	for mem.SubscriberCount(ch) < n {
		if time.Now().After(deadline) {
			t.Fatalf("responders did not subscribe: have %d, want %d", mem.SubscriberCount(ch), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func newFleet(t *testing.T) (smp, creative *backend, mem *store.Memory, clk *clock.Manual) {
	t.Helper()
	clk = clock.NewManual(time.Unix(1700000000, 0))
	mem = store.NewMemory(store.Options{Clock: clk})
	t.Cleanup(mem.Stop)
	smp = newBackend(t, "smp", mem, clk, "world")
	creative = newBackend(t, "creative", mem, clk, "flat")
	waitForSubscribers(t, mem, 2)
	return smp, creative, mem, clk
}

func countKeys(keys []string, want string) int {
	n := 0
	for _, k := range keys {
		if k == want {
			n++
		}
	}
	return n
}

func TestCrossServerTeleportEndToEnd(t *testing.T) {
	smp, creative, mem, _ := newFleet(t)
	keys := keyspace.New("rtp:")

	alice := gametest.NewPlayer("alice").Grant(command.PermUse)
	alice.MoveTo(game.Location{World: "world", X: 1, Y: 64, Z: 1})
	smp.host.AddPlayer(alice)
	creative.finder.QueueLocation(game.Location{World: "flat", X: 120, Y: 70, Z: -40})

	smp.core.HandleCommand(alice, []string{"creative"})
	// The compute answer is already in the store; the poll picks it up.
	smp.sched.AdvanceTicks(2)
	// Countdown 3..1, then the handoff.
	smp.sched.AdvanceTicks(60)

	sent := smp.notifier.Keys()
	if countKeys(sent, msg.TeleportingIn) != 3 {
		t.Fatalf("expected 3 countdown messages, got %v", sent)
	}
	if countKeys(sent, msg.Switching) != 1 {
		t.Fatalf("expected switching notice, got %v", sent)
	}
	calls := smp.proxy.Calls()
	if len(calls) != 1 || calls[0].Server != "creative" {
		t.Fatalf("proxy calls = %+v", calls)
	}
	if _, err := mem.Get(context.Background(), keys.Pending(alice.ID())); err != nil {
		t.Fatalf("pending record must be durable before the switch: %v", err)
	}

	// The player arrives on creative.
	arrived := gametest.NewPlayer("alice")
	arrived.PlayerID = alice.PlayerID
	arrived.MoveTo(game.Location{World: "flat", X: 0, Y: 70, Z: 0})
	creative.host.AddPlayer(arrived)
	creative.core.HandleJoin(arrived)

	if len(arrived.Teleports) != 1 {
		t.Fatalf("finalize should teleport once, got %d", len(arrived.Teleports))
	}
	loc := arrived.Teleports[0].Loc
	if loc.World != "flat" || loc.X != 120 || loc.Y != 70 || loc.Z != -40 {
		t.Fatalf("teleported to %+v", loc)
	}
	if _, err := mem.Get(context.Background(), keys.Pending(alice.ID())); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pending record must be deleted after finalize, err = %v", err)
	}
	if creative.effects.FrozenCount(alice.ID()) != 1 || creative.effects.UnfrozenCount(alice.ID()) != 1 {
		t.Fatalf("freeze/unfreeze = %d/%d, want 1/1",
			creative.effects.FrozenCount(alice.ID()), creative.effects.UnfrozenCount(alice.ID()))
	}
	if _, err := mem.Get(context.Background(), keys.Presence(alice.ID())); err != nil {
		t.Fatalf("join must write presence: %v", err)
	}
}

func TestLocalTeleportEndToEnd(t *testing.T) {
	smp, _, mem, _ := newFleet(t)
	keys := keyspace.New("rtp:")

	alice := gametest.NewPlayer("alice").Grant(command.PermUse)
	alice.MoveTo(game.Location{World: "world", X: 1, Y: 64, Z: 1})
	smp.host.AddPlayer(alice)
	smp.finder.QueueLocation(game.Location{World: "world", X: 300, Y: 72, Z: 300})

	smp.core.HandleCommand(alice, nil)
	smp.sched.AdvanceTicks(60)

	if len(alice.Teleports) != 1 || alice.Teleports[0].Loc.X != 300 {
		t.Fatalf("teleports = %+v", alice.Teleports)
	}
	if countKeys(smp.notifier.Keys(), msg.Teleported) != 1 {
		t.Fatalf("expected success message, got %v", smp.notifier.Keys())
	}
	if _, err := mem.Get(context.Background(), keys.Cooldown(alice.ID())); err != nil {
		t.Fatalf("attempt must set the cooldown marker: %v", err)
	}

	// Second use inside the cooldown window is rejected.
	smp.notifier.Reset()
	smp.core.HandleCommand(alice, nil)
	if last, ok := smp.notifier.Last(); !ok || last.Key != msg.CooldownActive {
		t.Fatalf("expected cooldown rejection, got %v", smp.notifier.Keys())
	}
}

func TestQuitClearsPresence(t *testing.T) {
	smp, _, mem, _ := newFleet(t)
	keys := keyspace.New("rtp:")

	alice := gametest.NewPlayer("alice")
	smp.host.AddPlayer(alice)
	smp.core.HandleJoin(alice)
	if _, err := mem.Get(context.Background(), keys.Presence(alice.ID())); err != nil {
		t.Fatalf("presence missing after join: %v", err)
	}

	smp.core.HandleQuit(alice)
	if _, err := mem.Get(context.Background(), keys.Presence(alice.ID())); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("presence must be deleted on quit, err = %v", err)
	}
}

func TestBedEnterWritesSharedSpawn(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	mem := store.NewMemory(store.Options{Clock: clk})
	t.Cleanup(mem.Stop)
	cfg := fleetConfig("smp")
	cfg.Spawning = SpawningConfig{CrossServerRespawn: true, RespectBedSpawn: true}
	b := &backend{
		sched:    gametest.NewScheduler(),
		host:     gametest.NewHost(),
		finder:   &gametest.Finder{},
		notifier: &gametest.Notifier{},
		proxy:    &gametest.Proxy{},
		effects:  gametest.NewEffects(),
	}
	core, err := New(cfg, Deps{
		Host: b.host, Scheduler: b.sched, Proxy: b.proxy, Finder: b.finder,
		Notifier: b.notifier, Effects: b.effects, Clock: clk, Store: mem,
	})
	if err != nil {
		t.Fatalf("build core: %v", err)
	}
	if err := core.Start(); err != nil {
		t.Fatalf("start core: %v", err)
	}
	t.Cleanup(core.Stop)

	alice := gametest.NewPlayer("alice")
	core.HandleBedEnter(alice, game.Location{World: "world", X: 8.5, Y: 64, Z: 8.5})

	keys := keyspace.New("rtp:")
	if _, err := mem.Get(context.Background(), keys.Spawn(alice.ID())); err != nil {
		t.Fatalf("bed enter must write the shared spawn record: %v", err)
	}
}

func TestReloadRequiresFile(t *testing.T) {
	smp, _, _, _ := newFleet(t)
	if err := smp.core.Reload(); err == nil {
		t.Fatalf("reload without a config file must fail")
	}
}

const reloadYAMLBase = `
server-name: smp
servers:
  smp:
    enabled: true
    default-world: world
    worlds:
      world: {enabled: true}
`

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "rtpd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newFileBackend(t *testing.T, path string) *Core {
	t.Helper()
	core, err := NewFromFile(path, Deps{
		Host:      gametest.NewHost(),
		Scheduler: gametest.NewScheduler(),
		Proxy:     &gametest.Proxy{},
		Finder:    &gametest.Finder{},
		Notifier:  &gametest.Notifier{},
		Effects:   gametest.NewEffects(),
		Clock:     clock.NewManual(time.Unix(1700000000, 0)),
		Store:     store.NewMemory(store.Options{}),
	})
	if err != nil {
		t.Fatalf("build core: %v", err)
	}
	return core
}

func TestReloadSwapsRuntime(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), reloadYAMLBase)
	core := newFileBackend(t, path)

	if got := core.provider.Get().MapWorldAlias("overworld"); got != "overworld" {
		t.Fatalf("alias unexpectedly configured: %q", got)
	}

	updated := reloadYAMLBase + "world-aliases:\n  overworld: world\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := core.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := core.provider.Get().MapWorldAlias("overworld"); got != "world" {
		t.Fatalf("reload did not swap the snapshot, alias = %q", got)
	}
}

func TestReloadRejectsBrokenFile(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), reloadYAMLBase)
	core := newFileBackend(t, path)

	if err := os.WriteFile(path, []byte("server-name: [broken\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := core.Reload(); err == nil {
		t.Fatalf("reload of a broken file must fail")
	}
	// The old snapshot stays in place.
	if got := core.provider.Get().ServerName; got != "smp" {
		t.Fatalf("snapshot lost after failed reload: %q", got)
	}
}

func TestWatchConfigReloads(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), reloadYAMLBase)
	core := newFileBackend(t, path)
	if err := core.WatchConfig(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	t.Cleanup(func() {
		if core.watcher != nil {
			core.watcher.stop()
		}
	})

	updated := reloadYAMLBase + "world-aliases:\n  overworld: world\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for core.provider.Get().MapWorldAlias("overworld") != "world" {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not reload the config")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
