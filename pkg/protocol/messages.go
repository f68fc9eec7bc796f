// ABOUTME: Sendspin Protocol message type definitions
// ABOUTME: Defines structs for every control-plane message type and payload
package protocol

import "encoding/json"

// Envelope is the top-level wrapper every control message travels in.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// DecodePayload re-marshals e.Payload (typically a map[string]interface{}
// left over from json.Unmarshal into an Envelope) and unmarshals it into
// dst. Used for every inbound message's two-step decode.
func DecodePayload(payload interface{}, dst interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// ClientHello is sent by clients to initiate the handshake.
type ClientHello struct {
	ClientID       string      `json:"client_id"`
	Name           string      `json:"name"`
	Version        int         `json:"version"`
	SupportedRoles []string    `json:"supported_roles"`
	DeviceInfo     *DeviceInfo `json:"device_info,omitempty"`

	PlayerSupport     *PlayerV1Support     `json:"-"`
	ArtworkSupport    *ArtworkV1Support    `json:"-"`
	VisualizerSupport *VisualizerV1Support `json:"-"`
	SourceSupport     *SourceV1Support     `json:"-"`
}

// capability block keys. The canonical form is "<family>@v1_support"; a
// legacy "<family>_support" alias is accepted server-side only.
var capabilityKeys = map[string][2]string{
	RoleFamilyPlayer:     {"player@v1_support", "player_support"},
	RoleFamilyArtwork:    {"artwork@v1_support", "artwork_support"},
	RoleFamilyVisualizer: {"visualizer@v1_support", "visualizer_support"},
	RoleFamilySource:     {"source@v1_support", "source_support"},
}

// MarshalJSON emits the canonical "<family>@v1_support" capability keys.
func (h ClientHello) MarshalJSON() ([]byte, error) {
	type alias struct {
		ClientID            string               `json:"client_id"`
		Name                string               `json:"name"`
		Version             int                  `json:"version"`
		SupportedRoles      []string             `json:"supported_roles"`
		DeviceInfo          *DeviceInfo          `json:"device_info,omitempty"`
		PlayerV1Support     *PlayerV1Support     `json:"player@v1_support,omitempty"`
		ArtworkV1Support    *ArtworkV1Support    `json:"artwork@v1_support,omitempty"`
		VisualizerV1Support *VisualizerV1Support `json:"visualizer@v1_support,omitempty"`
		SourceV1Support     *SourceV1Support     `json:"source@v1_support,omitempty"`
	}
	return json.Marshal(alias{
		ClientID:            h.ClientID,
		Name:                h.Name,
		Version:             h.Version,
		SupportedRoles:      h.SupportedRoles,
		DeviceInfo:          h.DeviceInfo,
		PlayerV1Support:     h.PlayerSupport,
		ArtworkV1Support:    h.ArtworkSupport,
		VisualizerV1Support: h.VisualizerSupport,
		SourceV1Support:     h.SourceSupport,
	})
}

// UnmarshalJSON accepts both the canonical "@v1_support" keys and the
// legacy "_support" aliases, preferring the canonical key when both are
// present.
func (h *ClientHello) UnmarshalJSON(data []byte) error {
	type alias struct {
		ClientID       string            `json:"client_id"`
		Name           string            `json:"name"`
		Version        int               `json:"version"`
		SupportedRoles []json.RawMessage `json:"supported_roles"`
		DeviceInfo     *DeviceInfo       `json:"device_info,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	h.ClientID = a.ClientID
	h.Name = a.Name
	h.Version = a.Version
	h.SupportedRoles = stringsOnly(a.SupportedRoles)
	h.DeviceInfo = a.DeviceInfo

	if err := decodeCapability(raw, capabilityKeys[RoleFamilyPlayer], &h.PlayerSupport); err != nil {
		return err
	}
	if err := decodeCapability(raw, capabilityKeys[RoleFamilyArtwork], &h.ArtworkSupport); err != nil {
		return err
	}
	if err := decodeCapability(raw, capabilityKeys[RoleFamilyVisualizer], &h.VisualizerSupport); err != nil {
		return err
	}
	if err := decodeCapability(raw, capabilityKeys[RoleFamilySource], &h.SourceSupport); err != nil {
		return err
	}
	return nil
}

// stringsOnly decodes each element of a JSON array and keeps only the
// entries that are strings, silently dropping any other element type
// (numbers, objects, bools, null) instead of failing the whole decode.
func stringsOnly(elems []json.RawMessage) []string {
	out := make([]string, 0, len(elems))
	for _, elem := range elems {
		if len(elem) == 0 || elem[0] != '"' {
			continue
		}
		var s string
		if err := json.Unmarshal(elem, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

func decodeCapability[T any](raw map[string]json.RawMessage, keys [2]string, dst **T) error {
	canonical, legacy := keys[0], keys[1]
	msg, ok := raw[canonical]
	if !ok {
		msg, ok = raw[legacy]
	}
	if !ok || string(msg) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(msg, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// DeviceInfo contains device identification.
type DeviceInfo struct {
	ProductName     string `json:"product_name,omitempty"`
	Manufacturer    string `json:"manufacturer,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

// PlayerV1Support describes player@v1 capabilities.
type PlayerV1Support struct {
	SupportedFormats  []AudioFormatSpec `json:"supported_formats"`
	BufferCapacity    int               `json:"buffer_capacity"`
	SupportedCommands []string          `json:"supported_commands"`
}

// AudioFormatSpec describes one supported audio format in a hello payload.
type AudioFormatSpec struct {
	Codec      string `json:"codec"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	BitDepth   int    `json:"bit_depth"`
}

// ArtworkV1Support describes artwork@v1 capabilities.
type ArtworkV1Support struct {
	Channels []ArtworkChannelSupport `json:"channels"`
}

// ArtworkChannelSupport describes one artwork channel a client can render.
type ArtworkChannelSupport struct {
	Source      string `json:"source"` // "album", "artist", or "none"
	Format      string `json:"format"` // "jpeg", "png", or "bmp"
	MediaWidth  int    `json:"media_width"`
	MediaHeight int    `json:"media_height"`
}

// VisualizerV1Support describes visualizer@v1 capabilities.
type VisualizerV1Support struct {
	BufferCapacity int `json:"buffer_capacity"`
}

// SourceV1Support describes source@v1 capabilities.
type SourceV1Support struct {
	SupportedCommands []string `json:"supported_commands"`
}

// ServerHello is the server's response to client/hello.
type ServerHello struct {
	ServerID         string   `json:"server_id"`
	Name             string   `json:"name"`
	Version          int      `json:"version"`
	ActiveRoles      []string `json:"active_roles"`
	ConnectionReason string   `json:"connection_reason"`
}

// ClientTime is sent for clock synchronization.
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
}

// ServerTime is the reply to client/time.
type ServerTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
	ServerReceived    int64 `json:"server_received"`
	ServerTransmitted int64 `json:"server_transmitted"`
}

// ClientStateMessage is sent as client/state.
type ClientStateMessage struct {
	State  string             `json:"state,omitempty"`
	Player *ClientPlayerState `json:"player,omitempty"`
	Source *ClientSourceState `json:"source,omitempty"`
}

// ClientPlayerState reports the player's volume/mute/state.
type ClientPlayerState struct {
	State  *string `json:"state,omitempty"`
	Volume *int    `json:"volume,omitempty"`
	Muted  *bool   `json:"muted,omitempty"`
}

// ClientSourceState reports the source role's capture state.
type ClientSourceState struct {
	State  string   `json:"state"`
	Level  *float64 `json:"level,omitempty"`
	Signal *string  `json:"signal,omitempty"`
}

// ClientCommandMessage is sent as client/command.
type ClientCommandMessage struct {
	Controller *ControllerCommand `json:"controller,omitempty"`
	Source     *SourceCommand     `json:"source,omitempty"`
}

// ControllerCommand is a group/media control command from a controller role.
type ControllerCommand struct {
	Command  string  `json:"command"`
	Volume   *int    `json:"volume,omitempty"`
	Mute     *bool   `json:"mute,omitempty"`
	SourceID *string `json:"source_id,omitempty"`
}

// SourceCommand is a start/stop command from a source role.
type SourceCommand struct {
	Command string `json:"command"`
}

// ClientGoodbye is sent before a graceful disconnect.
type ClientGoodbye struct {
	Reason string `json:"reason"`
}

// StreamRequestFormat is sent by a client to request a format change.
type StreamRequestFormat struct {
	Player  *PlayerFormatRequest  `json:"player,omitempty"`
	Artwork *ArtworkFormatRequest `json:"artwork,omitempty"`
}

// PlayerFormatRequest requests a player stream format change. Fields are
// pointers: a nil field is left untouched, merging requested fields over
// the current format.
type PlayerFormatRequest struct {
	Codec      *string `json:"codec,omitempty"`
	SampleRate *int    `json:"sample_rate,omitempty"`
	Channels   *int    `json:"channels,omitempty"`
	BitDepth   *int    `json:"bit_depth,omitempty"`
}

// ArtworkFormatRequest requests an artwork channel's format/source change.
type ArtworkFormatRequest struct {
	Channel     float64 `json:"channel"`
	Source      *string `json:"source,omitempty"`
	Format      *string `json:"format,omitempty"`
	MediaWidth  *int    `json:"media_width,omitempty"`
	MediaHeight *int    `json:"media_height,omitempty"`
}

// ServerStateMessage is sent as server/state.
type ServerStateMessage struct {
	Metadata   *MetadataState   `json:"metadata,omitempty"`
	Controller *ControllerState `json:"controller,omitempty"`
}

// ProgressState contains playback progress info.
type ProgressState struct {
	TrackProgress int `json:"track_progress"`
	TrackDuration int `json:"track_duration"`
	PlaybackSpeed int `json:"playback_speed"`
}

// MetadataState contains track metadata. Every field besides Timestamp
// uses Opt so a caller (and a round-tripped wire payload) can distinguish
// "leave this field alone" (absent) from "clear this field" (null) from
// "set this field" (a value) — see Opt.
type MetadataState struct {
	Timestamp   int64
	Title       Opt[string]
	Artist      Opt[string]
	AlbumArtist Opt[string]
	Album       Opt[string]
	ArtworkURL  Opt[string]
	Year        Opt[int]
	Track       Opt[int]
	Progress    Opt[ProgressState]
	Repeat      Opt[string]
	Shuffle     Opt[bool]
}

// MarshalJSON includes a key only for non-absent fields; absent fields are
// genuinely omitted from the wire, not sent as "null".
func (m MetadataState) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"timestamp": m.Timestamp}
	putOpt(out, "title", m.Title)
	putOpt(out, "artist", m.Artist)
	putOpt(out, "album_artist", m.AlbumArtist)
	putOpt(out, "album", m.Album)
	putOpt(out, "artwork_url", m.ArtworkURL)
	putOpt(out, "year", m.Year)
	putOpt(out, "track", m.Track)
	putOpt(out, "progress", m.Progress)
	putOpt(out, "repeat", m.Repeat)
	putOpt(out, "shuffle", m.Shuffle)
	return json.Marshal(out)
}

func putOpt[T any](out map[string]interface{}, key string, o Opt[T]) {
	switch {
	case o.IsAbsent():
		return
	case o.IsNull():
		out[key] = nil
	default:
		v, _ := o.Get()
		out[key] = v
	}
}

// UnmarshalJSON decodes each field as Absent/Null/Some depending on
// whether its key is missing, present-and-null, or present-with-a-value.
func (m *MetadataState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ts, ok := raw["timestamp"]; ok {
		if err := json.Unmarshal(ts, &m.Timestamp); err != nil {
			return err
		}
	}
	var err error
	if m.Title, err = OptFromRaw[string](raw, "title"); err != nil {
		return err
	}
	if m.Artist, err = OptFromRaw[string](raw, "artist"); err != nil {
		return err
	}
	if m.AlbumArtist, err = OptFromRaw[string](raw, "album_artist"); err != nil {
		return err
	}
	if m.Album, err = OptFromRaw[string](raw, "album"); err != nil {
		return err
	}
	if m.ArtworkURL, err = OptFromRaw[string](raw, "artwork_url"); err != nil {
		return err
	}
	if m.Year, err = OptFromRaw[int](raw, "year"); err != nil {
		return err
	}
	if m.Track, err = OptFromRaw[int](raw, "track"); err != nil {
		return err
	}
	if m.Progress, err = OptFromRaw[ProgressState](raw, "progress"); err != nil {
		return err
	}
	if m.Repeat, err = OptFromRaw[string](raw, "repeat"); err != nil {
		return err
	}
	if m.Shuffle, err = OptFromRaw[bool](raw, "shuffle"); err != nil {
		return err
	}
	return nil
}

// SourceDescriptor names one of the sources a controller can switch to.
type SourceDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ControllerState reports group volume/mute and supported commands.
type ControllerState struct {
	SupportedCommands []string           `json:"supported_commands"`
	Volume            int                `json:"volume"`
	Muted             bool               `json:"muted"`
	Sources           []SourceDescriptor `json:"sources,omitempty"`
}

// ServerCommandMessage is sent as server/command.
type ServerCommandMessage struct {
	Player *PlayerCommand       `json:"player,omitempty"`
	Source *ServerSourceCommand `json:"source,omitempty"`
}

// PlayerCommand is a volume/mute control command for the player role.
type PlayerCommand struct {
	Command string `json:"command"`
	Volume  *int   `json:"volume,omitempty"`
	Mute    *bool  `json:"mute,omitempty"`
}

// VADConfig configures voice-activity detection for a source.
type VADConfig struct {
	ThresholdDB *float64 `json:"threshold_db,omitempty"`
	HoldMs      *int     `json:"hold_ms,omitempty"`
}

// ServerSourceCommand controls a source role.
type ServerSourceCommand struct {
	Command *string    `json:"command,omitempty"`
	Control *string    `json:"control,omitempty"`
	VAD     *VADConfig `json:"vad,omitempty"`
}

// GroupUpdate is sent as group/update.
type GroupUpdate struct {
	PlaybackState *string `json:"playback_state,omitempty"`
	GroupID       *string `json:"group_id,omitempty"`
	GroupName     *string `json:"group_name,omitempty"`
}

// StreamStartPlayer describes the active player stream format.
type StreamStartPlayer struct {
	Codec       string `json:"codec"`
	SampleRate  uint32 `json:"sample_rate"`
	Channels    uint32 `json:"channels"`
	BitDepth    uint32 `json:"bit_depth"`
	CodecHeader string `json:"codec_header,omitempty"` // base64
}

// ArtworkChannelState is one active artwork channel in a stream/start.
type ArtworkChannelState struct {
	Index       int    `json:"channel"`
	Source      string `json:"source,omitempty"`
	Format      string `json:"format,omitempty"`
	MediaWidth  int    `json:"media_width,omitempty"`
	MediaHeight int    `json:"media_height,omitempty"`
}

// StreamStartArtwork lists the active artwork channels.
type StreamStartArtwork struct {
	Channels []ArtworkChannelState `json:"channels"`
}

// StreamStartVisualizer carries visualizer stream configuration.
type StreamStartVisualizer struct {
	BufferCapacity int `json:"buffer_capacity,omitempty"`
}

// StreamStart notifies a client of the active stream format(s).
type StreamStart struct {
	Player     *StreamStartPlayer     `json:"player,omitempty"`
	Artwork    *StreamStartArtwork    `json:"artwork,omitempty"`
	Visualizer *StreamStartVisualizer `json:"visualizer,omitempty"`
}

// StreamClear instructs clients to clear buffered state for roles.
type StreamClear struct {
	Roles []string `json:"roles,omitempty"`
}

// StreamEnd ends the stream for the given roles (all roles if omitted).
type StreamEnd struct {
	Roles []string `json:"roles,omitempty"`
}
