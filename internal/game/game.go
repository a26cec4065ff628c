// Package game declares the host-environment contracts the coordination core
// consumes: the game-thread scheduler, worlds, players, the proxy connector,
// the safe-location finder, and player messaging. rtpd never mutates game
// state except through these interfaces, and only from the game thread.
package game

import (
	"math"

	"github.com/google/uuid"
)

// TicksPerSecond is the game scheduler's tick rate.
const TicksPerSecond = 20

// Ticks converts whole seconds to scheduler ticks.
func Ticks(seconds int) int64 { return int64(seconds) * TicksPerSecond }

// Dimension identifies a world's environment.
type Dimension int

const (
	Overworld Dimension = iota
	Nether
	End
)

// Location is a position within a named world.
type Location struct {
	World string
	X     float64
	Y     float64
	Z     float64
	Yaw   float32
	Pitch float32
}

// BlockX returns the block column of the location.
func (l Location) BlockX() int { return int(math.Floor(l.X)) }

// BlockY returns the block height of the location.
func (l Location) BlockY() int { return int(math.Floor(l.Y)) }

// BlockZ returns the block row of the location.
func (l Location) BlockZ() int { return int(math.Floor(l.Z)) }

// ChunkX returns the chunk column containing the location.
func (l Location) ChunkX() int { return l.BlockX() >> 4 }

// ChunkZ returns the chunk row containing the location.
func (l Location) ChunkZ() int { return l.BlockZ() >> 4 }

// Task is a handle to a scheduled repeating or delayed function.
type Task interface {
	Cancel()
}

// Scheduler is the host's two-lane task runner. Game-state access is only
// valid inside functions submitted to the game lane; store I/O and other
// blocking work belongs on the worker lane.
type Scheduler interface {
	// RunGame executes fn on the game thread on the next tick.
	RunGame(fn func())
	// RunGameLater executes fn on the game thread after delay ticks.
	RunGameLater(delayTicks int64, fn func()) Task
	// RunGameTimer executes fn on the game thread every period ticks,
	// first after delay ticks.
	RunGameTimer(delayTicks, periodTicks int64, fn func()) Task
	// RunWorker executes fn on the worker pool.
	RunWorker(fn func())
	// RunWorkerTimer executes fn on the worker pool every period ticks,
	// first after delay ticks.
	RunWorkerTimer(delayTicks, periodTicks int64, fn func()) Task
	// CurrentTick returns the game tick counter.
	CurrentTick() int64
}

// BlockKind classifies the blocks the spawn pipeline cares about.
type BlockKind int

const (
	BlockOther BlockKind = iota
	BlockBed
	BlockAnchor
)

// Block is a read/write view of a single world block. Only valid on the
// game thread.
type Block interface {
	Kind() BlockKind
	// AnchorCharges reports the remaining respawn charges. Zero for
	// non-anchor blocks.
	AnchorCharges() int
	// SetAnchorCharges updates the charge count of an anchor block.
	SetAnchorCharges(n int)
}

// World is a loaded world on this backend. Only valid on the game thread
// except for PreloadChunk, whose callback may arrive on any goroutine.
type World interface {
	Name() string
	Dimension() Dimension
	MinHeight() int
	MaxHeight() int
	BlockAt(x, y, z int) Block
	// PreloadChunk asynchronously loads the chunk and invokes done with the
	// load error, if any. The callback may run off the game thread.
	PreloadChunk(chunkX, chunkZ int, done func(err error))
}

// Audience is anything that can receive a notification and carries
// permissions: a player or the console.
type Audience interface {
	Name() string
	HasPermission(perm string) bool
}

// Player is a connected player. Game-state mutations are only valid on the
// game thread; Teleport's callback may arrive on any goroutine.
type Player interface {
	Audience
	ID() uuid.UUID
	Online() bool
	Location() Location
	// Teleport asynchronously moves the player and reports success. The
	// callback may run off the game thread.
	Teleport(loc Location, done func(ok bool, err error))
}

// RespawnEvent carries the mutable outcome of a player respawn. The pipeline
// may replace Location before the host applies it.
type RespawnEvent struct {
	Player        Player
	Location      Location
	IsBedSpawn    bool
	IsAnchorSpawn bool
}

// Host exposes lookups into the running backend.
type Host interface {
	World(name string) (World, bool)
	PlayerByID(id uuid.UUID) (Player, bool)
	OnlinePlayers() []Player
}

// Proxy asks the network proxy to move a player to another backend. The
// return value reports whether the request was accepted for delivery, not
// whether the player arrived.
type Proxy interface {
	RequestSwitch(p Player, server string) bool
}

// Finder produces a world-valid safe location, or nil when the configured
// tries are exhausted. It may take seconds and perform async chunk loads;
// the callback may arrive on any goroutine.
type Finder interface {
	FindSafe(world string, done func(loc *Location, err error))
}

// Notifier delivers a keyed message to an audience. Formatting, sounds and
// titles are the host's concern.
type Notifier interface {
	Notify(to Audience, key string, params map[string]string)
}

// Effects applies and removes the visual masks used while a cross-server
// finalize or respawn routing is in flight.
type Effects interface {
	// Freeze makes the player invulnerable and immobile with a brief
	// blindness, hiding the pre-teleport state.
	Freeze(p Player)
	// Unfreeze restores the state saved by Freeze.
	Unfreeze(p Player)
	// MaskRespawn applies a short blindness+invisibility mask after respawn.
	MaskRespawn(p Player)
}
