// Package gametest provides deterministic in-memory implementations of the
// game host contracts for tests: a manually ticked scheduler, scriptable
// players, worlds, proxy, finder and recording notifier/effects.
package gametest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chumbucket/rtpd/internal/game"
)

// Scheduler is a manually ticked game.Scheduler. RunGame and RunWorker
// execute inline; delayed and repeating tasks fire when AdvanceTicks moves
// the tick counter past their due tick. Everything runs on the caller's
// goroutine, so tests are fully deterministic.
type Scheduler struct {
	mu    sync.Mutex
	tick  int64
	tasks []*schedTask
}

type schedTask struct {
	sched     *Scheduler
	nextAt    int64
	period    int64 // 0 for one-shot
	fn        func()
	cancelled bool
}

// Cancel stops future runs of the task.
func (t *schedTask) Cancel() {
	t.sched.mu.Lock()
	t.cancelled = true
	t.sched.mu.Unlock()
}

// NewScheduler returns a scheduler at tick zero.
func NewScheduler() *Scheduler { return &Scheduler{} }

// RunGame executes fn immediately on the calling goroutine.
func (s *Scheduler) RunGame(fn func()) { fn() }

// RunWorker executes fn immediately on the calling goroutine.
func (s *Scheduler) RunWorker(fn func()) { fn() }

func (s *Scheduler) schedule(delayTicks, periodTicks int64, fn func()) game.Task {
	if delayTicks < 1 {
		delayTicks = 1
	}
	s.mu.Lock()
	t := &schedTask{sched: s, nextAt: s.tick + delayTicks, period: periodTicks, fn: fn}
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

// RunGameLater schedules fn once after delayTicks.
func (s *Scheduler) RunGameLater(delayTicks int64, fn func()) game.Task {
	return s.schedule(delayTicks, 0, fn)
}

// RunGameTimer schedules fn every periodTicks, first after delayTicks.
func (s *Scheduler) RunGameTimer(delayTicks, periodTicks int64, fn func()) game.Task {
	if periodTicks < 1 {
		periodTicks = 1
	}
	return s.schedule(delayTicks, periodTicks, fn)
}

// RunWorkerTimer schedules fn every periodTicks, first after delayTicks.
func (s *Scheduler) RunWorkerTimer(delayTicks, periodTicks int64, fn func()) game.Task {
	if periodTicks < 1 {
		periodTicks = 1
	}
	return s.schedule(delayTicks, periodTicks, fn)
}

// CurrentTick returns the tick counter.
func (s *Scheduler) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// AdvanceTicks moves the clock forward n ticks, one at a time, running every
// due task in scheduling order. Tasks scheduled by a running task for a later
// tick fire on that later tick.
func (s *Scheduler) AdvanceTicks(n int64) {
	for i := int64(0); i < n; i++ {
		s.mu.Lock()
		s.tick++
		now := s.tick
		var due []*schedTask
		remaining := s.tasks[:0]
		for _, t := range s.tasks {
			switch {
			case t.cancelled:
			case t.nextAt <= now:
				due = append(due, t)
				if t.period > 0 {
					t.nextAt = now + t.period
					remaining = append(remaining, t)
				}
			default:
				remaining = append(remaining, t)
			}
		}
		s.tasks = remaining
		s.mu.Unlock()
		for _, t := range due {
			t.sched.mu.Lock()
			cancelled := t.cancelled
			t.sched.mu.Unlock()
			if !cancelled {
				t.fn()
			}
		}
	}
}

// PendingTasks reports how many tasks are scheduled and not cancelled.
func (s *Scheduler) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// TeleportCall records one Teleport invocation on a Player.
type TeleportCall struct {
	Loc game.Location
	OK  bool
	Err error
}

// Player is a scriptable game.Player.
type Player struct {
	mu sync.Mutex

	PlayerID   uuid.UUID
	PlayerName string
	Perms      map[string]bool
	IsOnline   bool
	Loc        game.Location

	// TeleportOK and TeleportErr drive the Teleport callback. TeleportFunc,
	// when set, overrides both.
	TeleportOK   bool
	TeleportErr  error
	TeleportFunc func(loc game.Location, done func(ok bool, err error))

	Teleports []TeleportCall
}

// NewPlayer returns an online player with a random id and no permissions.
func NewPlayer(name string) *Player {
	return &Player{
		PlayerID:   uuid.New(),
		PlayerName: name,
		IsOnline:   true,
		TeleportOK: true,
	}
}

// ID returns the player's uuid.
func (p *Player) ID() uuid.UUID { return p.PlayerID }

// Name returns the player's name.
func (p *Player) Name() string { return p.PlayerName }

// HasPermission consults the Perms map.
func (p *Player) HasPermission(perm string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Perms[perm]
}

// Grant adds a permission to the player.
func (p *Player) Grant(perm string) *Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Perms == nil {
		p.Perms = make(map[string]bool)
	}
	p.Perms[perm] = true
	return p
}

// Online reports the scripted connection state.
func (p *Player) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.IsOnline
}

// SetOnline flips the scripted connection state.
func (p *Player) SetOnline(online bool) {
	p.mu.Lock()
	p.IsOnline = online
	p.mu.Unlock()
}

// Location returns the player's current position.
func (p *Player) Location() game.Location {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Loc
}

// MoveTo updates the player's position without going through Teleport.
func (p *Player) MoveTo(loc game.Location) {
	p.mu.Lock()
	p.Loc = loc
	p.mu.Unlock()
}

// Teleport records the call and completes synchronously per the scripted
// outcome. On success the player's location is updated first.
func (p *Player) Teleport(loc game.Location, done func(ok bool, err error)) {
	p.mu.Lock()
	fn := p.TeleportFunc
	ok, err := p.TeleportOK, p.TeleportErr
	if fn == nil {
		p.Teleports = append(p.Teleports, TeleportCall{Loc: loc, OK: ok, Err: err})
		if ok {
			p.Loc = loc
		}
	}
	p.mu.Unlock()
	if fn != nil {
		fn(loc, done)
		return
	}
	if done != nil {
		done(ok, err)
	}
}

// Block is a settable game.Block.
type Block struct {
	BlockKind game.BlockKind
	Charges   int
}

// Kind returns the block kind.
func (b *Block) Kind() game.BlockKind { return b.BlockKind }

// AnchorCharges returns the scripted charge count.
func (b *Block) AnchorCharges() int { return b.Charges }

// SetAnchorCharges updates the charge count.
func (b *Block) SetAnchorCharges(n int) { b.Charges = n }

// PreloadCall records one PreloadChunk invocation.
type PreloadCall struct {
	ChunkX, ChunkZ int
}

// World is a scriptable game.World.
type World struct {
	mu sync.Mutex

	WorldName string
	Dim       game.Dimension
	Min, Max  int

	// Blocks maps [x y z] to a block; missing coordinates read as BlockOther.
	Blocks map[[3]int]*Block

	// PreloadErr is passed to every PreloadChunk callback.
	PreloadErr error
	Preloads   []PreloadCall
}

// NewWorld returns an overworld with heights [-64, 320] and no blocks.
func NewWorld(name string) *World {
	return &World{
		WorldName: name,
		Dim:       game.Overworld,
		Min:       -64,
		Max:       320,
		Blocks:    make(map[[3]int]*Block),
	}
}

// Name returns the world's name.
func (w *World) Name() string { return w.WorldName }

// Dimension returns the scripted dimension.
func (w *World) Dimension() game.Dimension { return w.Dim }

// MinHeight returns the scripted floor.
func (w *World) MinHeight() int { return w.Min }

// MaxHeight returns the scripted ceiling.
func (w *World) MaxHeight() int { return w.Max }

// BlockAt returns the scripted block, or an inert one.
func (w *World) BlockAt(x, y, z int) game.Block {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.Blocks[[3]int{x, y, z}]; ok {
		return b
	}
	return &Block{}
}

// SetBlock places a block at the coordinates and returns it.
func (w *World) SetBlock(x, y, z int, kind game.BlockKind) *Block {
	b := &Block{BlockKind: kind}
	w.mu.Lock()
	w.Blocks[[3]int{x, y, z}] = b
	w.mu.Unlock()
	return b
}

// PreloadChunk records the call and completes synchronously with PreloadErr.
func (w *World) PreloadChunk(chunkX, chunkZ int, done func(err error)) {
	w.mu.Lock()
	w.Preloads = append(w.Preloads, PreloadCall{ChunkX: chunkX, ChunkZ: chunkZ})
	err := w.PreloadErr
	w.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// Host is an in-memory game.Host.
type Host struct {
	mu      sync.Mutex
	worlds  map[string]*World
	players map[uuid.UUID]*Player
}

// NewHost returns an empty host.
func NewHost() *Host {
	return &Host{
		worlds:  make(map[string]*World),
		players: make(map[uuid.UUID]*Player),
	}
}

// AddWorld registers the world under its name.
func (h *Host) AddWorld(w *World) *World {
	h.mu.Lock()
	h.worlds[w.WorldName] = w
	h.mu.Unlock()
	return w
}

// AddPlayer registers the player.
func (h *Host) AddPlayer(p *Player) *Player {
	h.mu.Lock()
	h.players[p.PlayerID] = p
	h.mu.Unlock()
	return p
}

// RemovePlayer drops the player from the host.
func (h *Host) RemovePlayer(id uuid.UUID) {
	h.mu.Lock()
	delete(h.players, id)
	h.mu.Unlock()
}

// World looks up a registered world.
func (h *Host) World(name string) (game.World, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.worlds[name]
	if !ok {
		return nil, false
	}
	return w, true
}

// PlayerByID looks up a registered player; offline players are not returned.
func (h *Host) PlayerByID(id uuid.UUID) (game.Player, bool) {
	h.mu.Lock()
	p, ok := h.players[id]
	h.mu.Unlock()
	if !ok || !p.Online() {
		return nil, false
	}
	return p, true
}

// OnlinePlayers returns every registered online player.
func (h *Host) OnlinePlayers() []game.Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]game.Player, 0, len(h.players))
	for _, p := range h.players {
		if p.Online() {
			out = append(out, p)
		}
	}
	return out
}

// SwitchCall records one proxy switch request.
type SwitchCall struct {
	Player game.Player
	Server string
}

// Proxy is a recording game.Proxy.
type Proxy struct {
	mu sync.Mutex
	// Reject makes RequestSwitch report failure.
	Reject   bool
	Switches []SwitchCall
}

// RequestSwitch records the request and reports !Reject.
func (p *Proxy) RequestSwitch(pl game.Player, server string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Switches = append(p.Switches, SwitchCall{Player: pl, Server: server})
	return !p.Reject
}

// Calls returns a copy of the recorded switch requests.
func (p *Proxy) Calls() []SwitchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SwitchCall, len(p.Switches))
	copy(out, p.Switches)
	return out
}

// Finder is a scriptable game.Finder. Results are consumed in order; when
// the queue is empty the callback gets (nil, nil), a finder miss.
type Finder struct {
	mu      sync.Mutex
	results []finderResult
	Calls   []string
}

type finderResult struct {
	loc *game.Location
	err error
}

// QueueLocation enqueues a successful find.
func (f *Finder) QueueLocation(loc game.Location) {
	f.mu.Lock()
	f.results = append(f.results, finderResult{loc: &loc})
	f.mu.Unlock()
}

// QueueMiss enqueues an exhausted search.
func (f *Finder) QueueMiss() {
	f.mu.Lock()
	f.results = append(f.results, finderResult{})
	f.mu.Unlock()
}

// QueueError enqueues a failed search.
func (f *Finder) QueueError(err error) {
	f.mu.Lock()
	f.results = append(f.results, finderResult{err: err})
	f.mu.Unlock()
}

// FindSafe records the call and completes synchronously with the next
// queued result.
func (f *Finder) FindSafe(world string, done func(loc *game.Location, err error)) {
	f.mu.Lock()
	f.Calls = append(f.Calls, world)
	var r finderResult
	if len(f.results) > 0 {
		r = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	done(r.loc, r.err)
}

// Notification is one recorded Notify call.
type Notification struct {
	To     string
	Key    string
	Params map[string]string
}

// Notifier records every Notify call.
type Notifier struct {
	mu   sync.Mutex
	Sent []Notification
}

// Notify records the message.
func (n *Notifier) Notify(to game.Audience, key string, params map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, Notification{To: to.Name(), Key: key, Params: params})
}

// Keys returns the recorded message keys in order.
func (n *Notifier) Keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.Sent))
	for i, s := range n.Sent {
		out[i] = s.Key
	}
	return out
}

// Last returns the most recent notification and whether one exists.
func (n *Notifier) Last() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Sent) == 0 {
		return Notification{}, false
	}
	return n.Sent[len(n.Sent)-1], true
}

// Reset clears the recorded notifications.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.Sent = nil
	n.mu.Unlock()
}

// Effects counts Freeze/Unfreeze/MaskRespawn calls per player.
type Effects struct {
	mu       sync.Mutex
	Frozen   map[uuid.UUID]int
	Unfrozen map[uuid.UUID]int
	Masked   map[uuid.UUID]int
}

// NewEffects returns an empty effects recorder.
func NewEffects() *Effects {
	return &Effects{
		Frozen:   make(map[uuid.UUID]int),
		Unfrozen: make(map[uuid.UUID]int),
		Masked:   make(map[uuid.UUID]int),
	}
}

// Freeze records the call.
func (e *Effects) Freeze(p game.Player) {
	e.mu.Lock()
	e.Frozen[p.ID()]++
	e.mu.Unlock()
}

// Unfreeze records the call.
func (e *Effects) Unfreeze(p game.Player) {
	e.mu.Lock()
	e.Unfrozen[p.ID()]++
	e.mu.Unlock()
}

// MaskRespawn records the call.
func (e *Effects) MaskRespawn(p game.Player) {
	e.mu.Lock()
	e.Masked[p.ID()]++
	e.mu.Unlock()
}

// FrozenCount returns how many times the player was frozen.
func (e *Effects) FrozenCount(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Frozen[id]
}

// UnfrozenCount returns how many times the player was unfrozen.
func (e *Effects) UnfrozenCount(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Unfrozen[id]
}

// MaskedCount returns how many times the player's respawn was masked.
func (e *Effects) MaskedCount(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Masked[id]
}

// Console is an all-permissions audience for command tests.
type Console struct{}

// Name returns "console".
func (Console) Name() string { return "console" }

// HasPermission always grants.
func (Console) HasPermission(string) bool { return true }
