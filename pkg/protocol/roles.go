// ABOUTME: Role, codec, and command enumerations for the Sendspin protocol
// ABOUTME: Roles are versioned with an "@v1" suffix; family = role without the suffix
package protocol

import "strings"

// ProtocolVersion is the only version field value this package accepts.
const ProtocolVersion = 1

// Role families. A role on the wire is a family plus a version suffix,
// e.g. "player@v1". A single family is admitted at most once per session.
const (
	RoleFamilyPlayer     = "player"
	RoleFamilyController = "controller"
	RoleFamilyMetadata   = "metadata"
	RoleFamilyArtwork    = "artwork"
	RoleFamilyVisualizer = "visualizer"
	RoleFamilySource     = "source"
)

// serverSupportedRoles are the role literals, including version, this
// implementation is able to admit during hello negotiation.
var serverSupportedRoles = map[string]bool{
	"player@v1":     true,
	"controller@v1": true,
	"metadata@v1":   true,
	"artwork@v1":    true,
	"visualizer@v1": true,
	"source@v1":     true,
}

// IsServerSupportedRole reports whether role (e.g. "player@v1") is one of
// the exact role literals this implementation admits.
func IsServerSupportedRole(role string) bool {
	return serverSupportedRoles[role]
}

// RoleFamily returns the portion of role before the first "@", i.e. the
// role without its version suffix. A role with no "@" is its own family.
func RoleFamily(role string) string {
	if idx := strings.IndexByte(role, '@'); idx >= 0 {
		return role[:idx]
	}
	return role
}

// VersionedRole joins a family and version into the wire literal, e.g.
// VersionedRole("player", 1) == "player@v1".
func VersionedRole(family string, version int) string {
	return family + "@v" + itoa(version)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ConnectionReason values.
const (
	ConnectionReasonDiscovery = "discovery"
	ConnectionReasonPlayback  = "playback"
)

// PlaybackState values (a session's reported group playback state).
const (
	PlaybackStatePlaying = "playing"
	PlaybackStateStopped = "stopped"
	PlaybackStatePaused  = "paused"
)

// ClientState values (client/state.player.state or top-level state).
const (
	ClientStateSynchronized = "synchronized"
	ClientStateError        = "error"
	ClientStateExternalSrc  = "external_source"
)

// SourceState values (client/state.source.state).
const (
	SourceStateIdle      = "idle"
	SourceStateStreaming = "streaming"
	SourceStateError     = "error"
)

// SourceSignal values (client/state.source.signal).
const (
	SourceSignalUnknown = "unknown"
	SourceSignalPresent = "present"
	SourceSignalAbsent  = "absent"
)

// GoodbyeReason values (client/goodbye.reason).
const (
	GoodbyeAnotherServer = "another_server"
	GoodbyeShutdown      = "shutdown"
	GoodbyeRestart       = "restart"
	GoodbyeUserRequest   = "user_request"
)

// Media/controller command vocabulary (client/command.controller.command).
const (
	MediaCommandPlay         = "play"
	MediaCommandPause        = "pause"
	MediaCommandStop         = "stop"
	MediaCommandNext         = "next"
	MediaCommandPrevious     = "previous"
	MediaCommandVolume       = "volume"
	MediaCommandMute         = "mute"
	MediaCommandRepeatOff    = "repeat_off"
	MediaCommandRepeatOne    = "repeat_one"
	MediaCommandRepeatAll    = "repeat_all"
	MediaCommandShuffle      = "shuffle"
	MediaCommandUnshuffle    = "unshuffle"
	MediaCommandSwitch       = "switch"
	MediaCommandSelectSource = "select_source"
)

// Player command vocabulary (server/command.player.command).
const (
	PlayerCommandVolume = "volume"
	PlayerCommandMute   = "mute"
)

// Source command vocabulary (client/command.source.command).
const (
	SourceCommandStart = "start"
	SourceCommandStop  = "stop"
)

// Source control vocabulary (server/command.source.control).
const (
	SourceControlPlay       = "play"
	SourceControlPause      = "pause"
	SourceControlNext       = "next"
	SourceControlPrevious   = "previous"
	SourceControlActivate   = "activate"
	SourceControlDeactivate = "deactivate"
)

// Source-client command vocabulary (used by server/command.source.command).
const (
	SourceClientStarted = "started"
	SourceClientStopped = "stopped"
)
