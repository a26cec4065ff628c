// Package rtpd coordinates random teleports and respawn routing across a
// fleet of game backends that share one coordination store. Each backend
// embeds a Core: it answers compute requests for its own worlds, drives
// cross-server teleport attempts for its own players, finalizes pending
// teleports when routed players arrive, and keeps bed/anchor spawn records
// in step so respawns can be honoured on any backend.
//
// The host process supplies the game-side contracts (scheduler, worlds,
// players, proxy, safe-location finder, messaging) declared in
// internal/game; rtpd supplies everything store-side.
package rtpd
