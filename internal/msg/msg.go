// Package msg names the notification keys handed to the host's messaging
// surface. Formatting, colors, sounds and titles are the host's concern;
// rtpd only addresses messages by key plus parameters.
package msg

import "strconv"

const (
	CooldownActive = "cooldown.active"

	TeleportingIn = "status.teleporting-in"
	Switching     = "status.switching"
	Teleported    = "success.teleported"

	NoSafeLocation = "errors.no-safe-location"
	ComputeTimeout = "errors.compute-timeout"
	CancelledMoved = "errors.teleport-cancelled-moved"
	UnknownWorld   = "errors.unknown-world"
	TeleportFailed = "errors.teleport-failed"

	UnknownServer  = "errors.unknown-server"
	ServerDisabled = "errors.server-disabled"
	WorldDisabled  = "errors.world-disabled"
	PlayerNotFound = "errors.player-not-found"
	NoPermission   = "errors.no-permission"
	PlayersOnly    = "errors.players-only"

	ReloadComplete = "status.reload-complete"
	ReloadFailed   = "errors.reload-failed"
)

// Seconds builds the params map for messages carrying a whole-second count.
func Seconds(n int64) map[string]string {
	return map[string]string{"seconds": strconv.FormatInt(n, 10)}
}

// Server builds the params map for messages naming a server.
func Server(name string) map[string]string {
	return map[string]string{"server": name}
}

// World builds the params map for messages naming a world.
func World(name string) map[string]string {
	return map[string]string{"world": name}
}
