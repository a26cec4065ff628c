// Package record defines the wire records shared between backends through
// the coordination store. Records marshal to JSON with stable field names;
// unknown fields are ignored on read and missing fields default, so mixed
// backend versions can coexist under one prefix.
package record

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chumbucket/rtpd/internal/game"
)

// SpawnPoint type markers. Older backends wrote records without a type;
// UNKNOWN is tolerated and re-inferred at the destination.
const (
	SpawnTypeBed     = "BED"
	SpawnTypeAnchor  = "ANCHOR"
	SpawnTypeUnknown = "UNKNOWN"
)

// ComputeRequest asks the target backend to find a safe location.
type ComputeRequest struct {
	RequestID    string    `json:"requestId"`
	PlayerUUID   uuid.UUID `json:"playerUuid"`
	TargetServer string    `json:"targetServer"`
	World        string    `json:"world"`
	CreatedAtMs  int64     `json:"createdAtMs"`
}

// ComputeResponse is the target backend's answer, written under
// resp:<requestId>. Coordinates are meaningful only when OK is true.
type ComputeResponse struct {
	RequestID string  `json:"requestId"`
	OK        bool    `json:"ok"`
	Server    string  `json:"server"`
	World     string  `json:"world"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Yaw       float32 `json:"yaw"`
	Pitch     float32 `json:"pitch"`
	Error     string  `json:"error,omitempty"`
}

// Location converts the response coordinates into a game location.
func (r ComputeResponse) Location() game.Location {
	return game.Location{World: r.World, X: r.X, Y: r.Y, Z: r.Z, Yaw: r.Yaw, Pitch: r.Pitch}
}

// PendingTeleport instructs the named server to finalize a teleport on the
// player's next join.
type PendingTeleport struct {
	Server   string  `json:"server"`
	World    string  `json:"world"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Yaw      float32 `json:"yaw"`
	Pitch    float32 `json:"pitch"`
	AtMs     int64   `json:"atMs"`
	Attempts int     `json:"attempts"`
}

// NewPendingTeleport builds a fresh pending record for a destination.
func NewPendingTeleport(server string, loc game.Location, atMs int64) PendingTeleport {
	return PendingTeleport{
		Server: server,
		World:  loc.World,
		X:      loc.X,
		Y:      loc.Y,
		Z:      loc.Z,
		Yaw:    loc.Yaw,
		Pitch:  loc.Pitch,
		AtMs:   atMs,
	}
}

// Location returns the pending destination as a game location.
func (p PendingTeleport) Location() game.Location {
	return game.Location{World: p.World, X: p.X, Y: p.Y, Z: p.Z, Yaw: p.Yaw, Pitch: p.Pitch}
}

// Bumped returns a copy with the finalize attempt counter incremented.
func (p PendingTeleport) Bumped() PendingTeleport {
	if p.Attempts < 0 {
		p.Attempts = 0
	}
	p.Attempts++
	return p
}

// SpawnPoint is the cross-backend bed/anchor respawn record.
type SpawnPoint struct {
	Type   string  `json:"type,omitempty"`
	Server string  `json:"server"`
	World  string  `json:"world"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Yaw    float32 `json:"yaw"`
	Pitch  float32 `json:"pitch"`
	AtMs   int64   `json:"atMs"`
}

// NormalizedType maps the stored type marker onto the known set.
func (s SpawnPoint) NormalizedType() string {
	switch strings.ToUpper(strings.TrimSpace(s.Type)) {
	case SpawnTypeBed:
		return SpawnTypeBed
	case SpawnTypeAnchor, "RESPAWN_ANCHOR":
		return SpawnTypeAnchor
	default:
		return SpawnTypeUnknown
	}
}

// IsBed reports whether the record is marked as a bed spawn.
func (s SpawnPoint) IsBed() bool { return s.NormalizedType() == SpawnTypeBed }

// IsAnchor reports whether the record is marked as an anchor spawn.
func (s SpawnPoint) IsAnchor() bool { return s.NormalizedType() == SpawnTypeAnchor }

// Valid reports whether the record names a server and a world.
func (s SpawnPoint) Valid() bool {
	return strings.TrimSpace(s.Server) != "" && strings.TrimSpace(s.World) != ""
}

// Location returns the stored spawn position as a game location.
func (s SpawnPoint) Location() game.Location {
	return game.Location{World: s.World, X: s.X, Y: s.Y, Z: s.Z, Yaw: s.Yaw, Pitch: s.Pitch}
}

// Encode marshals a record to its store representation.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("record: encode %T: %w", v, err)
	}
	return string(b), nil
}

// Decode unmarshals a store value into v. Unknown fields are ignored;
// callers treat an error as a poison record and delete the key.
func Decode(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("record: decode %T: empty value", v)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("record: decode %T: %w", v, err)
	}
	return nil
}
