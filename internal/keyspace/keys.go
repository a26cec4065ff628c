// Package keyspace names every shared key and channel rtpd uses in the
// coordination store. All records live under a single configurable prefix so
// multiple deployments can share one store.
package keyspace

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultPrefix is used when the configured prefix is empty.
const DefaultPrefix = "rtpd:"

// Keys builds store keys under a sanitized prefix.
type Keys struct {
	prefix string
}

// New sanitizes the supplied prefix and returns a key builder. An empty or
// blank prefix falls back to DefaultPrefix; trailing ":" runs are collapsed
// so the prefix always ends with exactly one ":".
func New(prefix string) Keys {
	base := strings.TrimSpace(prefix)
	if base == "" {
		base = DefaultPrefix
	}
	for strings.HasSuffix(base, "::") {
		base = base[:len(base)-1]
	}
	if !strings.HasSuffix(base, ":") {
		base += ":"
	}
	return Keys{prefix: base}
}

// Prefix returns the sanitized prefix, ending with a single ":".
func (k Keys) Prefix() string { return k.prefix }

// ComputeChannel is the pub/sub topic carrying ComputeRequests.
func (k Keys) ComputeChannel() string { return k.prefix + "compute" }

// Resp names the compute response record for a request id.
func (k Keys) Resp(requestID string) string { return k.prefix + "resp:" + requestID }

// Pending names the finalize instruction for a player.
func (k Keys) Pending(player uuid.UUID) string { return k.prefix + "pending:" + player.String() }

// Cooldown names the per-player RTP cooldown marker.
func (k Keys) Cooldown(player uuid.UUID) string { return k.prefix + "cooldown:" + player.String() }

// Presence names the last-known-server record for a player.
func (k Keys) Presence(player uuid.UUID) string { return k.prefix + "presence:" + player.String() }

// Spawn names the cross-backend bed/anchor spawn record for a player.
func (k Keys) Spawn(player uuid.UUID) string { return k.prefix + "spawn:" + player.String() }
