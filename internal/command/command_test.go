package command

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/chumbucket/rtpd/internal/attempt"
	"github.com/chumbucket/rtpd/internal/clock"
	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/dispatch"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/gametest"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/msg"
	"github.com/chumbucket/rtpd/internal/store"
)

type fixture struct {
	r        *Router
	host     *gametest.Host
	finder   *gametest.Finder
	notifier *gametest.Notifier
	reloads  int
	reloadFn func() error
}

func testRuntime() *conf.Runtime {
	return &conf.Runtime{
		ServerName: "smp",
		Servers: map[string]conf.ServerRTP{
			"smp": {
				Name: "smp", Enabled: true, DefaultWorld: "world",
				Worlds: map[string]conf.WorldRTP{
					"world":        {Name: "world", Enabled: true},
					"world_nether": {Name: "world_nether", Enabled: true},
				},
			},
			"creative": {
				Name: "creative", Enabled: true, DefaultWorld: "flat",
				Worlds: map[string]conf.WorldRTP{
					"flat": {Name: "flat", Enabled: true},
				},
			},
			"lobby": {Name: "lobby", Enabled: false},
		},
		FallbackServers: []string{"creative"},
		WorldAliases: map[string]string{
			"overworld": "world",
			"nether":    "world_nether",
			"end":       "world_the_end",
		},
	}
}

func newFixture(t *testing.T, rt *conf.Runtime) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	mem := store.NewMemory(store.Options{Clock: clk})
	if err := mem.Start(); err != nil {
		t.Fatalf("store start: %v", err)
	}
	t.Cleanup(mem.Stop)
	sched := gametest.NewScheduler()
	host := gametest.NewHost()
	host.AddWorld(gametest.NewWorld("world"))
	host.AddWorld(gametest.NewWorld("world_nether"))
	finder := &gametest.Finder{}
	notifier := &gametest.Notifier{}
	keys := keyspace.New("rtp:")
	provider := conf.NewProvider(rt)
	disp := dispatch.New(dispatch.Deps{
		Store: mem, Keys: keys, Config: provider, Scheduler: sched,
		Proxy: &gametest.Proxy{}, Notifier: notifier, Clock: clk,
	})
	attempts := attempt.NewManager(attempt.Deps{
		Store: mem, Keys: keys, Config: provider, Scheduler: sched, Clock: clk,
		Host: host, Finder: finder, Dispatcher: disp, Notifier: notifier,
	})
	f := &fixture{host: host, finder: finder, notifier: notifier}
	f.reloadFn = func() error {
		f.reloads++
		return nil
	}
	f.r = New(Deps{
		Config:   provider,
		Attempts: attempts,
		Host:     host,
		Notifier: notifier,
		Reload:   func() error { return f.reloadFn() },
	})
	return f
}

func (f *fixture) user(name string, perms ...string) *gametest.Player {
	p := gametest.NewPlayer(name)
	p.MoveTo(game.Location{World: "world", X: 1, Y: 64, Z: 1})
	for _, perm := range perms {
		p.Grant(perm)
	}
	f.host.AddPlayer(p)
	return p
}

func TestSelfRTPStartsLocalAttempt(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice", PermUse)
	f.finder.QueueLocation(game.Location{World: "world", X: 9, Y: 70, Z: 9})

	f.r.Execute(alice, nil)

	if len(alice.Teleports) != 1 {
		t.Fatalf("bare /rtp should teleport locally, got %d", len(alice.Teleports))
	}
}

func TestUseRequiresPermission(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice")

	f.r.Execute(alice, nil)

	last, ok := f.notifier.Last()
	if !ok || last.Key != msg.NoPermission {
		t.Fatalf("expected no-permission, got %+v", last)
	}
	if len(alice.Teleports) != 0 {
		t.Fatalf("unpermitted command must not teleport")
	}
}

func TestWorldAliasForm(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice", PermUse)
	f.finder.QueueLocation(game.Location{World: "world_nether", X: 9, Y: 70, Z: 9})

	f.r.Execute(alice, []string{"nether"})

	if len(f.finder.Calls) != 1 || f.finder.Calls[0] != "world_nether" {
		t.Fatalf("alias should resolve to world_nether, finder calls = %v", f.finder.Calls)
	}
}

func TestUnknownServerRejected(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice", PermUse)

	f.r.Execute(alice, []string{"minigames"})

	last, ok := f.notifier.Last()
	if !ok || last.Key != msg.UnknownServer || last.Params["server"] != "minigames" {
		t.Fatalf("expected unknown-server, got %+v", last)
	}
}

func TestDisabledServerRejected(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice", PermUse)

	f.r.Execute(alice, []string{"lobby"})

	last, ok := f.notifier.Last()
	if !ok || last.Key != msg.ServerDisabled {
		t.Fatalf("expected server-disabled, got %+v", last)
	}
}

func TestAdminFormTeleportsTarget(t *testing.T) {
	f := newFixture(t, testRuntime())
	admin := f.user("admin", PermUse, PermAdmin)
	bob := f.user("bob")
	f.finder.QueueLocation(game.Location{World: "world", X: 9, Y: 70, Z: 9})

	f.r.Execute(admin, []string{"Bob", "smp", "world"})

	if len(bob.Teleports) != 1 {
		t.Fatalf("admin form should teleport the target, got %d", len(bob.Teleports))
	}
	if len(admin.Teleports) != 0 {
		t.Fatalf("admin form must not teleport the sender")
	}
}

func TestAdminFormRequiresPermission(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice", PermUse)
	f.user("bob")

	f.r.Execute(alice, []string{"bob", "smp"})

	last, ok := f.notifier.Last()
	if !ok || last.Key != msg.NoPermission {
		t.Fatalf("expected no-permission, got %+v", last)
	}
}

func TestAdminFormUnknownPlayer(t *testing.T) {
	f := newFixture(t, testRuntime())
	admin := f.user("admin", PermUse, PermAdmin)

	f.r.Execute(admin, []string{"ghost", "smp"})

	last, ok := f.notifier.Last()
	if !ok || last.Key != msg.PlayerNotFound || last.Params["player"] != "ghost" {
		t.Fatalf("expected player-not-found, got %+v", last)
	}
}

func TestAdminSinglePlayerArg(t *testing.T) {
	f := newFixture(t, testRuntime())
	admin := f.user("admin", PermUse, PermAdmin)
	bob := f.user("bob")
	f.finder.QueueLocation(game.Location{World: "world", X: 9, Y: 70, Z: 9})

	f.r.Execute(admin, []string{"bob"})

	if len(bob.Teleports) != 1 {
		t.Fatalf("/rtp <player> should teleport the target, got %d", len(bob.Teleports))
	}
}

func TestConsoleCannotSelfRTP(t *testing.T) {
	f := newFixture(t, testRuntime())

	f.r.Execute(gametest.Console{}, nil)

	last, ok := f.notifier.Last()
	if !ok || last.Key != msg.PlayersOnly {
		t.Fatalf("expected players-only for console, got %+v", last)
	}
}

func TestReload(t *testing.T) {
	f := newFixture(t, testRuntime())
	admin := f.user("admin", PermReload)

	f.r.Execute(admin, []string{"reload"})
	if f.reloads != 1 {
		t.Fatalf("reloads = %d, want 1", f.reloads)
	}
	last, _ := f.notifier.Last()
	if last.Key != msg.ReloadComplete {
		t.Fatalf("expected reload-complete, got %+v", last)
	}

	f.reloadFn = func() error { return errors.New("bad config") }
	f.r.Execute(admin, []string{"reload"})
	last, _ = f.notifier.Last()
	if last.Key != msg.ReloadFailed {
		t.Fatalf("expected reload-failed, got %+v", last)
	}
}

func TestReloadRequiresPermission(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice", PermUse)

	f.r.Execute(alice, []string{"reload"})

	if f.reloads != 0 {
		t.Fatalf("reload ran without permission")
	}
}

func TestTabComplete(t *testing.T) {
	f := newFixture(t, testRuntime())
	alice := f.user("alice", PermUse)
	admin := f.user("admin", PermUse, PermAdmin, PermReload)

	got := f.r.TabComplete(alice, []string{""})
	for _, want := range []string{"creative", "smp", "overworld", "nether", "end"} {
		if !slices.Contains(got, want) {
			t.Fatalf("completion missing %q: %v", want, got)
		}
	}
	if slices.Contains(got, "lobby") {
		t.Fatalf("disabled server suggested: %v", got)
	}
	if slices.Contains(got, "reload") {
		t.Fatalf("reload suggested without permission: %v", got)
	}

	got = f.r.TabComplete(admin, []string{"s"})
	if !slices.Contains(got, "smp") || slices.Contains(got, "creative") {
		t.Fatalf("prefix filter broken: %v", got)
	}
	got = f.r.TabComplete(admin, []string{""})
	if !slices.Contains(got, "reload") || !slices.Contains(got, "alice") {
		t.Fatalf("admin completions missing: %v", got)
	}

	got = f.r.TabComplete(admin, []string{"bob", "smp", ""})
	if !slices.Contains(got, "world") || !slices.Contains(got, "world_nether") {
		t.Fatalf("world completions missing: %v", got)
	}
	if f.r.TabComplete(alice, []string{"bob", ""}) != nil {
		t.Fatalf("non-admin should get no second-arg completions")
	}
}
