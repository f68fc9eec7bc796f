// ABOUTME: Session drives one server-side WebSocket connection's handshake and streaming lifecycle
// ABOUTME: AwaitHello -> Ready -> Identified -> Closed, with role negotiation and backpressure-aware sends
package sendspin

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lox-audioserver/node-sendspin/pkg/audio"
	"github.com/lox-audioserver/node-sendspin/pkg/protocol"
)

// sessionState is the handshake/runtime state a Session moves through.
type sessionState int

const (
	stateAwaitHello sessionState = iota
	stateReady
	stateIdentified
	stateClosed
)

// MaxBufferedBytes is the backpressure threshold above which send_pcm
// defers a retry instead of writing immediately.
const MaxBufferedBytes = 512 * 1024

// initialStateTimeout is how long a player-role session has to send its
// first client/state before the session closes with 1008.
const initialStateTimeout = 5 * time.Second

// pcmRetryDelay is how long send_pcm waits before retrying a deferred
// frame when buffered_amount was over MaxBufferedBytes.
const pcmRetryDelay = 5 * time.Millisecond

// dropWindow is how long drop timestamps are retained for BackpressureStats.
const dropWindow = 5 * time.Minute

// Close reasons sent with code 1008.
const (
	reasonExpectedHello        = "expected client/hello first"
	reasonInvalidVersion       = "invalid protocol version"
	reasonMissingClientID      = "missing client_id"
	reasonMissingRoles         = "missing supported_roles"
	reasonMissingPlayerSup     = "missing player support"
	reasonMissingArtworkSup    = "missing artwork support"
	reasonMissingVisualizerSup = "missing visualizer support"
	reasonMissingSourceSup     = "missing source support"
	reasonInitialStateTimeout  = "initial state timeout"
)

const closeCodeProtocolError = 1008

// ConnMeta is the per-connection metadata extracted from the connection
// request (the URL query string, in the example HTTP wiring) before a
// Session is constructed.
type ConnMeta struct {
	RemoteAddr string
	ZoneID     *int
	PlayerID   *string

	// ConnectionReason is the "reason" query parameter a connecting peer
	// supplies ("discovery" or "playback"); absent defaults to discovery.
	ConnectionReason *string
}

// Hooks is the set of lifecycle/data callbacks a Session reports through.
// All fields are optional; a nil hook is simply not called. Context is an
// opaque caller value threaded back through every invocation — the
// SessionRegistry uses it to attach a stream handler or similar without
// the Session needing to know about anything above it.
type Hooks struct {
	OnIdentified       func(ctx any)
	OnDisconnected     func(ctx any)
	OnGoodbye          func(ctx any, reason string)
	OnUnsupportedRoles func(ctx any, roles []string)
	OnPlayerState      func(ctx any, state protocol.ClientPlayerState)
	OnSourceState      func(ctx any, state protocol.ClientSourceState)
	OnGroupCommand     func(ctx any, cmd protocol.ControllerCommand)
	OnSourceCommand    func(ctx any, cmd protocol.SourceCommand)
	OnFormatChanged    func(ctx any, format audio.PCMFormat)
	OnSourceAudio      func(ctx any, timestampUs int64, data []byte)
}

// SessionOptions configures a Session at construction time.
type SessionOptions struct {
	ServerID   string
	ServerName string

	// Clock returns the current time in microseconds. Defaults to the
	// wall clock; tests pin it to an injected function.
	Clock func() int64

	Logger *log.Logger

	// AttachHooks is consulted once the session's client_id becomes known
	// and no hooks are attached yet; it lets a SessionRegistry resolve
	// pending hooks registered before this session identified.
	AttachHooks func(clientID string) (Hooks, any, bool)
}

// Session is the per-connection protocol driver on the server side.
type Session struct {
	conn Conn
	meta ConnMeta
	opts SessionOptions
	now  func() int64
	log  *log.Logger

	mu            sync.Mutex
	state         sessionState
	clientID      string
	name          string
	version       int
	activeRoles   []string        // versioned roles, e.g. "player@v1"
	hasRole       map[string]bool // by family
	connReason    string
	hooks         Hooks
	hooksCtx      any
	hooksAttached bool

	streamFormat audio.PCMFormat
	streamActive bool

	artworkChannels [4]*protocol.ArtworkChannelState

	playerVolume int
	playerMuted  bool
	sourceState  *protocol.ClientSourceState

	groupID   string
	groupName string

	initialTimer      *time.Timer
	warnedMissingVol  bool
	identifiedFired   bool
	disconnectedFired bool

	dropMu    sync.Mutex
	dropTimes []time.Time
}

// NewSession constructs a Session in its AwaitHello state.
func NewSession(conn Conn, meta ConnMeta, opts SessionOptions) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMicro() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(nilWriter{}, "", 0)
	}
	return &Session{
		conn:         conn,
		meta:         meta,
		opts:         opts,
		now:          clock,
		log:          logger,
		state:        stateAwaitHello,
		hasRole:      make(map[string]bool),
		streamFormat: audio.DefaultFormat(),
	}
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetHooks installs h, to be invoked with ctx for every subsequent
// lifecycle/data event. Replaces any previously installed hooks.
func (s *Session) SetHooks(h Hooks, ctx any) {
	s.mu.Lock()
	s.hooks = h
	s.hooksCtx = ctx
	s.hooksAttached = true
	s.mu.Unlock()
}

// ClientID returns the negotiated client id, or "" before hello completes.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Roles returns the versioned roles admitted for this session.
func (s *Session) Roles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.activeRoles...)
}

// StreamFormat returns the current player stream format.
func (s *Session) StreamFormat() audio.PCMFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamFormat
}

// RemoteAddr returns the connection's remote address metadata.
func (s *Session) RemoteAddr() string {
	return s.meta.RemoteAddr
}

// ConnectionReason returns "discovery" or "playback" for this session.
func (s *Session) ConnectionReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connReason
}

// IsIdentified reports whether the session has completed hello and (if a
// player) its first client/state.
func (s *Session) IsIdentified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateIdentified
}

// IsReady reports whether the session has completed the hello handshake.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady || s.state == stateIdentified
}

// Descriptor summarizes a session for introspection (e.g. a TUI dashboard).
type Descriptor struct {
	ClientID         string
	Name             string
	Roles            []string
	ConnectionReason string
	StreamFormat     audio.PCMFormat
	RemoteAddr       string
	DropCount        int
}

// Descriptor returns a snapshot of this session's identity and stats.
func (s *Session) Descriptor() Descriptor {
	s.mu.Lock()
	d := Descriptor{
		ClientID:         s.clientID,
		Name:             s.name,
		Roles:            append([]string(nil), s.activeRoles...),
		ConnectionReason: s.connReason,
		StreamFormat:     s.streamFormat,
		RemoteAddr:       s.meta.RemoteAddr,
	}
	s.mu.Unlock()
	_, d.DropCount = s.BackpressureStats()
	return d
}

// BackpressureStats returns the current drop window size and the number
// of drops recorded within it, pruning stale entries first.
func (s *Session) BackpressureStats() (windowSeconds int, drops int) {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	s.pruneDropsLocked()
	return int(dropWindow.Seconds()), len(s.dropTimes)
}

func (s *Session) pruneDropsLocked() {
	cutoff := time.Now().Add(-dropWindow)
	i := 0
	for i < len(s.dropTimes) && s.dropTimes[i].Before(cutoff) {
		i++
	}
	s.dropTimes = s.dropTimes[i:]
}

func (s *Session) recordDrop() {
	s.dropMu.Lock()
	s.dropTimes = append(s.dropTimes, time.Now())
	s.pruneDropsLocked()
	s.dropMu.Unlock()
}

// PlayerState returns the most recently reported player volume/mute.
func (s *Session) PlayerState() (volume int, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerVolume, s.playerMuted
}

// SourceStatus returns the most recently reported source state, if any.
func (s *Session) SourceStatus() (protocol.ClientSourceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sourceState == nil {
		return protocol.ClientSourceState{}, false
	}
	return *s.sourceState, true
}

// HandleText processes one inbound text (JSON) frame.
func (s *Session) HandleText(data []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return // DecodeError: malformed JSON is silently dropped
	}

	if state == stateClosed {
		return
	}

	if state == stateAwaitHello {
		if env.Type != "client/hello" {
			s.closeProtocolViolation(reasonExpectedHello)
			return
		}
		s.handleHello(env.Payload)
		s.maybeAttachHooks()
		return
	}

	switch env.Type {
	case "client/hello":
		// repeat hello is ignored once ready/identified
	case "client/time":
		s.handleClientTime(env.Payload)
	case "client/state":
		s.handleClientState(env.Payload)
	case "client/command":
		s.handleClientCommand(env.Payload)
	case "client/goodbye":
		s.handleClientGoodbye(env.Payload)
	case "stream/request-format":
		s.handleStreamRequestFormat(env.Payload)
	default:
		// unknown types are ignored
	}

	s.maybeAttachHooks()
}

func (s *Session) maybeAttachHooks() {
	s.mu.Lock()
	clientID := s.clientID
	attached := s.hooksAttached
	attach := s.opts.AttachHooks
	s.mu.Unlock()

	if clientID == "" || attached || attach == nil {
		return
	}
	if h, ctx, ok := attach(clientID); ok {
		s.SetHooks(h, ctx)
	}
}

// HandleBinary processes one inbound binary frame. Only SOURCE_AUDIO_CHUNK
// is honored, and only for sessions with the source role admitted.
func (s *Session) HandleBinary(data []byte) {
	s.mu.Lock()
	hasSource := s.hasRole[protocol.RoleFamilySource]
	hooks, ctx := s.hooks, s.hooksCtx
	s.mu.Unlock()

	if !hasSource {
		return
	}

	tag, ts, payload, err := UnpackHeader(data)
	if err != nil {
		return // malformed headers are dropped silently
	}
	if tag != TagSourceAudioChunk {
		return
	}
	if hooks.OnSourceAudio != nil {
		hooks.OnSourceAudio(ctx, ts, payload)
	}
}

func (s *Session) closeProtocolViolation(reason string) {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.conn.CloseWithStatus(closeCodeProtocolError, reason)
	s.fireDisconnected()
}

// handleHello validates a client/hello payload and, on success, admits
// roles, negotiates the preferred stream format, and sends server/hello
// plus the initial group/update.
func (s *Session) handleHello(payload any) {
	var hello protocol.ClientHello
	if err := protocol.DecodePayload(payload, &hello); err != nil {
		s.closeProtocolViolation(reasonExpectedHello)
		return
	}

	if hello.Version != protocol.ProtocolVersion {
		s.closeProtocolViolation(reasonInvalidVersion)
		return
	}
	if strings.TrimSpace(hello.ClientID) == "" {
		s.closeProtocolViolation(reasonMissingClientID)
		return
	}
	if len(hello.SupportedRoles) == 0 {
		s.closeProtocolViolation(reasonMissingRoles)
		return
	}

	activeRoles, unsupported, admittedFamilies := resolveRoles(hello.SupportedRoles)

	for family := range admittedFamilies {
		switch family {
		case protocol.RoleFamilyPlayer:
			if hello.PlayerSupport == nil {
				s.closeProtocolViolation(reasonMissingPlayerSup)
				return
			}
		case protocol.RoleFamilyArtwork:
			if hello.ArtworkSupport == nil {
				s.closeProtocolViolation(reasonMissingArtworkSup)
				return
			}
		case protocol.RoleFamilyVisualizer:
			if hello.VisualizerSupport == nil {
				s.closeProtocolViolation(reasonMissingVisualizerSup)
				return
			}
		case protocol.RoleFamilySource:
			if hello.SourceSupport == nil {
				s.closeProtocolViolation(reasonMissingSourceSup)
				return
			}
		}
	}

	format := audio.DefaultFormat()
	if hello.PlayerSupport != nil {
		if preferred, ok := choosePreferredFormat(hello.PlayerSupport.SupportedFormats); ok {
			format = preferred
		}
	}

	connReason := protocol.ConnectionReasonDiscovery
	if s.meta.ConnectionReason != nil && *s.meta.ConnectionReason == protocol.ConnectionReasonPlayback {
		connReason = protocol.ConnectionReasonPlayback
	}

	s.mu.Lock()
	s.clientID = hello.ClientID
	s.name = hello.Name
	s.version = hello.Version
	s.activeRoles = activeRoles
	for family := range admittedFamilies {
		s.hasRole[family] = true
	}
	s.streamFormat = format
	s.connReason = connReason
	s.state = stateReady
	s.groupID, s.groupName = defaultGroup(s.meta, hello.ClientID)
	hasPlayer := s.hasRole[protocol.RoleFamilyPlayer]
	s.mu.Unlock()

	if len(unsupported) > 0 {
		s.mu.Lock()
		hooks, ctx := s.hooks, s.hooksCtx
		s.mu.Unlock()
		if hooks.OnUnsupportedRoles != nil {
			hooks.OnUnsupportedRoles(ctx, unsupported)
		}
	}

	s.sendServerHello()
	s.SendGroupUpdate(protocol.PlaybackStateStopped, nil, nil)

	if hasPlayer {
		s.armInitialStateTimer()
	}
}

// resolveRoles walks supportedRoles in order, admitting at most one role
// per family and reporting any role the server does not recognize.
func resolveRoles(supportedRoles []string) (admitted []string, unsupported []string, families map[string]bool) {
	families = make(map[string]bool)
	for _, role := range supportedRoles {
		family := protocol.RoleFamily(role)
		if families[family] {
			continue
		}
		if protocol.IsServerSupportedRole(role) {
			families[family] = true
			admitted = append(admitted, role)
			continue
		}
		if strings.HasPrefix(role, "_") {
			continue
		}
		unsupported = append(unsupported, role)
	}
	return admitted, unsupported, families
}

// choosePreferredFormat picks the first supported format with a known
// codec and strictly positive numeric fields.
func choosePreferredFormat(formats []protocol.AudioFormatSpec) (audio.PCMFormat, bool) {
	for _, f := range formats {
		if !audio.IsKnownCodec(f.Codec) {
			continue
		}
		if f.SampleRate <= 0 || f.Channels <= 0 || f.BitDepth <= 0 {
			continue
		}
		return audio.PCMFormat{
			Codec:      f.Codec,
			SampleRate: uint32(f.SampleRate),
			Channels:   uint32(f.Channels),
			BitDepth:   uint32(f.BitDepth),
		}, true
	}
	return audio.PCMFormat{}, false
}

// defaultGroup derives a default group id/name from connection metadata:
// prefer playerId, then zone-<zoneId>, then client_id, then "sendspin".
func defaultGroup(meta ConnMeta, clientID string) (id, name string) {
	switch {
	case meta.PlayerID != nil && *meta.PlayerID != "":
		return *meta.PlayerID, *meta.PlayerID
	case meta.ZoneID != nil:
		g := "zone-" + itoaInt(*meta.ZoneID)
		return g, g
	case clientID != "":
		return clientID, clientID
	default:
		return "sendspin", "sendspin"
	}
}

func itoaInt(v int) string {
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

func (s *Session) sendServerHello() {
	s.mu.Lock()
	hello := protocol.ServerHello{
		ServerID:         s.opts.ServerID,
		Name:             s.opts.ServerName,
		Version:          protocol.ProtocolVersion,
		ActiveRoles:      append([]string(nil), s.activeRoles...),
		ConnectionReason: s.connReason,
	}
	s.mu.Unlock()
	s.sendEnvelope("server/hello", hello)
}

func (s *Session) armInitialStateTimer() {
	s.mu.Lock()
	s.initialTimer = time.AfterFunc(initialStateTimeout, func() {
		s.mu.Lock()
		stillWaiting := s.state == stateReady
		s.mu.Unlock()
		if stillWaiting {
			s.closeProtocolViolation(reasonInitialStateTimeout)
		}
	})
	s.mu.Unlock()
}

func (s *Session) cancelInitialTimer() {
	s.mu.Lock()
	timer := s.initialTimer
	s.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (s *Session) handleClientTime(payload any) {
	var ct protocol.ClientTime
	if err := protocol.DecodePayload(payload, &ct); err != nil {
		return
	}
	serverReceived := s.now()
	serverTransmitted := s.now()
	s.sendEnvelope("server/time", protocol.ServerTime{
		ClientTransmitted: ct.ClientTransmitted,
		ServerReceived:    serverReceived,
		ServerTransmitted: serverTransmitted,
	})
}

func (s *Session) handleClientState(payload any) {
	var cs protocol.ClientStateMessage
	if err := protocol.DecodePayload(payload, &cs); err != nil {
		return
	}

	s.mu.Lock()
	firstState := s.state == stateReady
	if firstState {
		s.state = stateIdentified
	}
	s.mu.Unlock()

	if cs.Player != nil {
		if cs.Player.Volume == nil || cs.Player.Muted == nil {
			s.mu.Lock()
			warn := !s.warnedMissingVol
			s.warnedMissingVol = true
			s.mu.Unlock()
			if warn {
				s.log.Printf("sendspin: client %s omitted volume/muted in client/state", s.ClientID())
			}
		}
		s.mu.Lock()
		if cs.Player.Volume != nil {
			s.playerVolume = *cs.Player.Volume
		}
		if cs.Player.Muted != nil {
			s.playerMuted = *cs.Player.Muted
		}
		hooks, ctx := s.hooks, s.hooksCtx
		s.mu.Unlock()
		if hooks.OnPlayerState != nil {
			hooks.OnPlayerState(ctx, *cs.Player)
		}
	}

	if cs.Source != nil {
		s.mu.Lock()
		source := *cs.Source
		s.sourceState = &source
		hooks, ctx := s.hooks, s.hooksCtx
		s.mu.Unlock()
		if hooks.OnSourceState != nil {
			hooks.OnSourceState(ctx, source)
		}
	}

	if firstState {
		s.cancelInitialTimer()
		s.fireIdentified()
	}
}

func (s *Session) fireIdentified() {
	s.mu.Lock()
	if s.identifiedFired {
		s.mu.Unlock()
		return
	}
	s.identifiedFired = true
	hooks, ctx := s.hooks, s.hooksCtx
	s.mu.Unlock()
	if hooks.OnIdentified != nil {
		hooks.OnIdentified(ctx)
	}
}

func (s *Session) handleClientCommand(payload any) {
	var cmd protocol.ClientCommandMessage
	if err := protocol.DecodePayload(payload, &cmd); err != nil {
		return
	}
	s.mu.Lock()
	hooks, ctx := s.hooks, s.hooksCtx
	s.mu.Unlock()

	if cmd.Controller != nil && hooks.OnGroupCommand != nil {
		hooks.OnGroupCommand(ctx, *cmd.Controller)
	}
	if cmd.Source != nil && hooks.OnSourceCommand != nil {
		hooks.OnSourceCommand(ctx, *cmd.Source)
	}
}

func (s *Session) handleClientGoodbye(payload any) {
	var goodbye protocol.ClientGoodbye
	if err := protocol.DecodePayload(payload, &goodbye); err != nil {
		return
	}
	s.mu.Lock()
	s.state = stateClosed
	hooks, ctx := s.hooks, s.hooksCtx
	s.mu.Unlock()

	s.cancelInitialTimer()
	if hooks.OnGoodbye != nil {
		hooks.OnGoodbye(ctx, goodbye.Reason)
	}
	s.conn.Close()
	s.fireDisconnected()
}

func (s *Session) fireDisconnected() {
	s.mu.Lock()
	if s.disconnectedFired {
		s.mu.Unlock()
		return
	}
	s.disconnectedFired = true
	hooks, ctx := s.hooks, s.hooksCtx
	s.mu.Unlock()
	if hooks.OnDisconnected != nil {
		hooks.OnDisconnected(ctx)
	}
}

// Destroy clears timers, closes the connection, and fires onDisconnected
// exactly once. Callers (typically the SessionRegistry, on transport
// close) invoke this once the underlying connection is known gone.
func (s *Session) Destroy() {
	s.cancelInitialTimer()
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.conn.Close()
	s.fireDisconnected()
}

func (s *Session) handleStreamRequestFormat(payload any) {
	var req protocol.StreamRequestFormat
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return
	}

	changed := false

	if req.Player != nil {
		s.mu.Lock()
		hasPlayer := s.hasRole[protocol.RoleFamilyPlayer]
		if hasPlayer {
			if req.Player.Codec != nil && audio.IsKnownCodec(*req.Player.Codec) {
				s.streamFormat.Codec = *req.Player.Codec
			}
			if req.Player.SampleRate != nil {
				s.streamFormat.SampleRate = uint32(*req.Player.SampleRate)
			}
			if req.Player.Channels != nil {
				s.streamFormat.Channels = uint32(*req.Player.Channels)
			}
			if req.Player.BitDepth != nil {
				s.streamFormat.BitDepth = uint32(*req.Player.BitDepth)
			}
			changed = true
		}
		format := s.streamFormat
		s.mu.Unlock()
		if hasPlayer {
			s.fireFormatChanged(format)
		}
	}

	if req.Artwork != nil {
		s.mu.Lock()
		hasArtwork := s.hasRole[protocol.RoleFamilyArtwork]
		if hasArtwork {
			idx := int(req.Artwork.Channel)
			if idx >= 0 && idx <= 3 {
				ch := s.artworkChannels[idx]
				if ch == nil {
					ch = &protocol.ArtworkChannelState{Index: idx}
					s.artworkChannels[idx] = ch
				}
				if req.Artwork.Source != nil {
					ch.Source = *req.Artwork.Source
				}
				if req.Artwork.Format != nil {
					ch.Format = *req.Artwork.Format
				}
				if req.Artwork.MediaWidth != nil {
					ch.MediaWidth = *req.Artwork.MediaWidth
				}
				if req.Artwork.MediaHeight != nil {
					ch.MediaHeight = *req.Artwork.MediaHeight
				}
				changed = true
			}
		}
		s.mu.Unlock()
		if changed {
			s.sendArtworkStreamStartSnapshot()
		}
	}

	if changed {
		s.sendCurrentStreamStart()
	}
}

func (s *Session) fireFormatChanged(format audio.PCMFormat) {
	s.mu.Lock()
	hooks, ctx := s.hooks, s.hooksCtx
	s.mu.Unlock()
	if hooks.OnFormatChanged != nil {
		hooks.OnFormatChanged(ctx, format)
	}
}

func (s *Session) sendCurrentStreamStart() {
	s.mu.Lock()
	format := s.streamFormat
	s.mu.Unlock()
	s.SendStreamStart(&format)
}

func (s *Session) sendArtworkStreamStartSnapshot() {
	s.mu.Lock()
	var channels []protocol.ArtworkChannelState
	for _, ch := range s.artworkChannels {
		if ch != nil {
			channels = append(channels, *ch)
		}
	}
	s.mu.Unlock()
	s.SendArtworkStreamStart(channels)
}

// sendEnvelope marshals payload into an Envelope{type, payload} and
// writes it as a text frame, unless the transport is closed or (for
// everything but server/hello and group/update) the session is not ready.
func (s *Session) sendEnvelope(msgType string, payload any) error {
	s.mu.Lock()
	ready := s.state == stateReady || s.state == stateIdentified
	closed := s.state == stateClosed
	s.mu.Unlock()

	if closed {
		return nil
	}
	if !ready && msgType != "server/hello" && msgType != "group/update" {
		return nil
	}

	data, err := json.Marshal(protocol.Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	return s.conn.SendText(data)
}

// SendStreamStart sends stream/start reflecting the current (or supplied)
// player format. Only the player block is included; artwork and
// visualizer streams are announced by SendArtworkStreamStart and
// SendVisualizerStreamStart.
func (s *Session) SendStreamStart(format *audio.PCMFormat) {
	s.mu.Lock()
	if format != nil {
		s.streamFormat = *format
	}
	f := s.streamFormat
	s.streamActive = true
	s.mu.Unlock()

	s.sendEnvelope("stream/start", protocol.StreamStart{
		Player: &protocol.StreamStartPlayer{
			Codec:      f.Codec,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			BitDepth:   f.BitDepth,
		},
	})
}

// SendStreamClear sends stream/clear for roles (all roles if nil).
func (s *Session) SendStreamClear(roles []string) {
	s.sendEnvelope("stream/clear", protocol.StreamClear{Roles: roles})
}

// SendStreamEnd sends stream/end for roles (all roles if nil) and clears
// local stream-active bookkeeping.
func (s *Session) SendStreamEnd(roles []string) {
	s.mu.Lock()
	s.streamActive = false
	s.mu.Unlock()
	s.sendEnvelope("stream/end", protocol.StreamEnd{Roles: roles})
}

// ensureStreamStarted transmits stream/start iff a stream is not already
// active.
func (s *Session) ensureStreamStarted() {
	s.mu.Lock()
	active := s.streamActive
	s.mu.Unlock()
	if !active {
		s.SendStreamStart(nil)
	}
}

// PCMFrame is one audio chunk submitted to SendPCM.
type PCMFrame struct {
	Data        []byte
	TimestampUs *int64
}

// SendPCM ensures the stream is started, then writes the frame as an
// AUDIO_CHUNK binary message. If buffered_amount exceeds MaxBufferedBytes
// the send is deferred 5ms and retried exactly once, regardless of
// buffered_amount at retry time.
func (s *Session) SendPCM(frame PCMFrame) {
	s.ensureStreamStarted()

	ts := s.now()
	if frame.TimestampUs != nil {
		ts = *frame.TimestampUs
	}

	if s.conn.BufferedAmount() > MaxBufferedBytes {
		time.AfterFunc(pcmRetryDelay, func() {
			s.writeTaggedFrame(TagAudioChunk, ts, frame.Data)
		})
		return
	}
	s.writeTaggedFrame(TagAudioChunk, ts, frame.Data)
}

func (s *Session) writeTaggedFrame(tag byte, ts int64, payload []byte) {
	s.mu.Lock()
	ready := s.state == stateReady || s.state == stateIdentified
	closed := s.state == stateClosed
	s.mu.Unlock()
	if closed || !ready {
		return
	}
	s.conn.SendBinary(PackFrame(tag, ts, payload))
}

// sendAncillaryFrame implements the drop-and-count backpressure policy
// used by artwork/visualizer frames: over threshold, the frame is counted
// as dropped and discarded rather than retried.
func (s *Session) sendAncillaryFrame(tag byte, ts int64, payload []byte) {
	if s.conn.BufferedAmount() > MaxBufferedBytes {
		s.recordDrop()
		return
	}
	s.writeTaggedFrame(tag, ts, payload)
}

// SendServerCommand sends server/command, but only the sub-messages whose
// target role is admitted; if none are, the call is a no-op.
func (s *Session) SendServerCommand(cmd protocol.ServerCommandMessage) {
	s.mu.Lock()
	hasPlayer := s.hasRole[protocol.RoleFamilyPlayer]
	hasSource := s.hasRole[protocol.RoleFamilySource]
	s.mu.Unlock()

	filtered := protocol.ServerCommandMessage{}
	if cmd.Player != nil && hasPlayer {
		filtered.Player = cmd.Player
	}
	if cmd.Source != nil && hasSource {
		filtered.Source = cmd.Source
	}
	if filtered.Player == nil && filtered.Source == nil {
		return
	}
	s.sendEnvelope("server/command", filtered)
}

// SendGroupUpdate sends group/update. A nil groupID/groupName falls back
// to this session's negotiated default group.
func (s *Session) SendGroupUpdate(state string, groupID, groupName *string) {
	s.mu.Lock()
	id := s.groupID
	name := s.groupName
	s.mu.Unlock()
	if groupID != nil {
		id = *groupID
	}
	if groupName != nil {
		name = *groupName
	}
	s.sendEnvelope("group/update", protocol.GroupUpdate{
		PlaybackState: strPtr(state),
		GroupID:       strPtr(id),
		GroupName:     strPtr(name),
	})
}

func strPtr(s string) *string { return &s }

// SendMetadata sends server/state carrying just the metadata block.
func (s *Session) SendMetadata(m protocol.MetadataState) {
	s.sendEnvelope("server/state", protocol.ServerStateMessage{Metadata: &m})
}

// SendControllerState sends server/state carrying just the controller block.
func (s *Session) SendControllerState(cs protocol.ControllerState) {
	s.sendEnvelope("server/state", protocol.ServerStateMessage{Controller: &cs})
}

// SendArtworkStreamStart announces the active artwork channels.
func (s *Session) SendArtworkStreamStart(channels []protocol.ArtworkChannelState) {
	s.sendEnvelope("stream/start", protocol.StreamStart{
		Artwork: &protocol.StreamStartArtwork{Channels: channels},
	})
}

// SendArtwork writes one artwork channel's image bytes as a binary frame
// tagged 8+channel. A nil data clears the channel with a zero-length
// payload rather than being skipped, so the client sees an explicit
// "no artwork" signal instead of silence.
func (s *Session) SendArtwork(channel int, data []byte) {
	if channel < 0 || channel > 3 {
		return
	}
	s.sendAncillaryFrame(ArtworkChannelTag(channel), s.now(), data)
}

// SendVisualizerStreamStart announces the visualizer stream configuration.
func (s *Session) SendVisualizerStreamStart(cfg protocol.StreamStartVisualizer) {
	s.sendEnvelope("stream/start", protocol.StreamStart{Visualizer: &cfg})
}

// SendVisualizerFrame writes one visualizer data frame, defaulting the
// timestamp to now if ts is nil.
func (s *Session) SendVisualizerFrame(data []byte, ts *int64) {
	t := s.now()
	if ts != nil {
		t = *ts
	}
	s.sendAncillaryFrame(TagVisualizationData, t, data)
}
