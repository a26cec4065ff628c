package record

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/chumbucket/rtpd/internal/game"
)

func TestComputeRequestRoundTrip(t *testing.T) {
	in := ComputeRequest{
		RequestID:    "req-1",
		PlayerUUID:   uuid.MustParse("7f9c24e8-3b2a-4f16-9c6e-0d5a1b2c3d4e"),
		TargetServer: "smp",
		World:        "world",
		CreatedAtMs:  1723450000000,
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out ComputeRequest
	if err := Decode(raw, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestComputeResponseRoundTrip(t *testing.T) {
	in := ComputeResponse{
		RequestID: "req-2",
		OK:        true,
		Server:    "smp",
		World:     "world",
		X:         100.5, Y: 72, Z: -300.5,
		Yaw: 90, Pitch: 0,
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out ComputeResponse
	if err := Decode(raw, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
	want := game.Location{World: "world", X: 100.5, Y: 72, Z: -300.5, Yaw: 90}
	if out.Location() != want {
		t.Fatalf("Location() = %+v, want %+v", out.Location(), want)
	}
}

func TestPendingTeleportRoundTripAndBump(t *testing.T) {
	loc := game.Location{World: "wild", X: 50, Y: 64, Z: 50, Yaw: 0, Pitch: 0}
	in := NewPendingTeleport("smp", loc, 1723450000000)
	if in.Attempts != 0 {
		t.Fatalf("fresh pending attempts = %d, want 0", in.Attempts)
	}

	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out PendingTeleport
	if err := Decode(raw, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}

	bumped := out.Bumped()
	if bumped.Attempts != 1 {
		t.Fatalf("Bumped().Attempts = %d, want 1", bumped.Attempts)
	}
	if out.Attempts != 0 {
		t.Fatalf("Bumped mutated the receiver")
	}
	neg := PendingTeleport{Attempts: -3}
	if got := neg.Bumped().Attempts; got != 1 {
		t.Fatalf("negative attempts bump = %d, want 1", got)
	}
}

func TestSpawnPointTypeNormalization(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"BED", SpawnTypeBed},
		{"bed", SpawnTypeBed},
		{"ANCHOR", SpawnTypeAnchor},
		{"respawn_anchor", SpawnTypeAnchor},
		{"", SpawnTypeUnknown},
		{"garbage", SpawnTypeUnknown},
	}
	for _, tc := range cases {
		sp := SpawnPoint{Type: tc.raw}
		if got := sp.NormalizedType(); got != tc.want {
			t.Fatalf("NormalizedType(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestSpawnPointRoundTripWithoutType(t *testing.T) {
	in := SpawnPoint{Server: "smp", World: "world", X: 10.5, Y: 65, Z: -3.5, AtMs: 1723450000000}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(raw, `"type"`) {
		t.Fatalf("empty type should be omitted, got %s", raw)
	}
	var out SpawnPoint
	if err := Decode(raw, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
	if !out.Valid() {
		t.Fatalf("record with server+world should be valid")
	}
	if out.IsBed() || out.IsAnchor() {
		t.Fatalf("untyped record classified as bed/anchor")
	}
}

func TestDecodeIgnoresUnknownFieldsAndRejectsGarbage(t *testing.T) {
	var resp ComputeResponse
	raw := `{"requestId":"r","ok":true,"server":"smp","world":"w","x":1,"y":2,"z":3,"yaw":0,"pitch":0,"futureField":42}`
	if err := Decode(raw, &resp); err != nil {
		t.Fatalf("Decode with unknown field: %v", err)
	}
	if resp.RequestID != "r" || !resp.OK {
		t.Fatalf("unexpected decode result: %+v", resp)
	}

	if err := Decode("", &resp); err == nil {
		t.Fatalf("Decode of empty value should fail")
	}
	if err := Decode("{not json", &resp); err == nil {
		t.Fatalf("Decode of malformed value should fail")
	}
}
