// ABOUTME: Client drives the peer side of a sendspin connection: handshake, adaptive time-sync, and stream playback
// ABOUTME: it owns a TimeFilter and dispatches inbound events through listenerSet observers
package sendspin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lox-audioserver/node-sendspin/pkg/audio"
	"github.com/lox-audioserver/node-sendspin/pkg/protocol"
)

// Errors returned by Client operations.
var (
	ErrMissingPlayerSupport  = errors.New("sendspin: player role declared without player_support")
	ErrMissingArtworkSupport = errors.New("sendspin: artwork role declared without artwork_support")
	ErrMissingSourceSupport  = errors.New("sendspin: source role declared without source_support")
	ErrNotOpen               = errors.New("sendspin: transport not open")
	ErrHelloTimeout          = errors.New("sendspin: timed out waiting for server/hello")
	ErrNotSynchronized       = errors.New("sendspin: clock not synchronized")
	ErrMissingTimestamp      = errors.New("sendspin: capture_ts_us required when server_ts_us is absent")
)

// ClientOptions configures a Client at construction time.
type ClientOptions struct {
	DeviceInfo        *protocol.DeviceInfo
	PlayerSupport     *protocol.PlayerV1Support
	ArtworkSupport    *protocol.ArtworkV1Support
	VisualizerSupport *protocol.VisualizerV1Support
	SourceSupport     *protocol.SourceV1Support

	StaticDelayMs int
	// InitialVolume defaults to 100 when nil.
	InitialVolume *int
	InitialMuted  bool

	// Clock returns the current time in microseconds. Defaults to
	// time.Now().UnixMicro(), the wall clock, which follows system clock
	// adjustments and is not monotonic; overridden by tests.
	Clock func() int64
	// Dial opens the transport for a URL. There is no default: Connect
	// fails when Dial is nil. cmd/sendspin-play supplies one that dials
	// with gorilla/websocket and wraps the result in a WSConn; tests
	// supply an in-memory Conn.
	Dial func(ctx context.Context, url string) (Conn, error)
}

// Client is the peer-side driver for one sendspin connection: a media
// renderer, controller, or capture source. It owns the handshake, the
// adaptive time-sync loop, and delivers inbound protocol events to
// registered listeners.
type Client struct {
	clientID string
	name     string
	roles    []string
	opts     ClientOptions
	now      func() int64

	filter *TimeFilter

	mu            sync.Mutex
	conn          Conn
	serverID      string
	serverName    string
	serverVersion int
	staticDelayUs int64

	streamActive bool
	format       audio.PCMFormat

	helloWaiters []chan protocol.ServerHello

	syncTimer *time.Timer
	closed    bool

	metadataListeners     *listenerSet[func(protocol.MetadataState)]
	groupUpdateListeners  *listenerSet[func(protocol.GroupUpdate)]
	controllerListeners   *listenerSet[func(protocol.ControllerState)]
	streamStartListeners  *listenerSet[func(protocol.StreamStart)]
	streamEndListeners    *listenerSet[func([]string)]
	streamClearListeners  *listenerSet[func([]string)]
	audioChunkListeners   *listenerSet[func(int64, []byte, audio.PCMFormat)]
	disconnectListeners   *listenerSet[func(error)]
	serverCommandListener *listenerSet[func(protocol.ServerCommandMessage)]
	sourceCommandListener *listenerSet[func(protocol.ServerSourceCommand)]
}

// NewClient validates role/capability pairing and constructs a Client
// ready to Connect. roles are family names without the "@v1" suffix
// (e.g. "player", "metadata"); the suffix is appended on the wire.
func NewClient(clientID, name string, roles []string, opts ClientOptions) (*Client, error) {
	has := func(family string) bool {
		for _, r := range roles {
			if r == family {
				return true
			}
		}
		return false
	}
	if has(protocol.RoleFamilyPlayer) && opts.PlayerSupport == nil {
		return nil, ErrMissingPlayerSupport
	}
	if has(protocol.RoleFamilyArtwork) && opts.ArtworkSupport == nil {
		return nil, ErrMissingArtworkSupport
	}
	if has(protocol.RoleFamilySource) && opts.SourceSupport == nil {
		return nil, ErrMissingSourceSupport
	}
	if opts.Clock == nil {
		opts.Clock = func() int64 { return time.Now().UnixMicro() }
	}
	if opts.InitialVolume == nil {
		opts.InitialVolume = intPtr(100)
	}

	return &Client{
		clientID:      clientID,
		name:          name,
		roles:         roles,
		opts:          opts,
		now:           opts.Clock,
		filter:        NewTimeFilter(TimeFilterOptions{}),
		staticDelayUs: int64(opts.StaticDelayMs) * 1000,

		metadataListeners:     newListenerSet[func(protocol.MetadataState)](),
		groupUpdateListeners:  newListenerSet[func(protocol.GroupUpdate)](),
		controllerListeners:   newListenerSet[func(protocol.ControllerState)](),
		streamStartListeners:  newListenerSet[func(protocol.StreamStart)](),
		streamEndListeners:    newListenerSet[func([]string)](),
		streamClearListeners:  newListenerSet[func([]string)](),
		audioChunkListeners:   newListenerSet[func(int64, []byte, audio.PCMFormat)](),
		disconnectListeners:   newListenerSet[func(error)](),
		serverCommandListener: newListenerSet[func(protocol.ServerCommandMessage)](),
		sourceCommandListener: newListenerSet[func(protocol.ServerSourceCommand)](),
	}, nil
}

// Connect opens the transport, performs the client/hello handshake, and
// starts the adaptive time-sync loop. It blocks until the handshake
// completes or timeoutMs elapses.
func (c *Client) Connect(ctx context.Context, url string, timeoutMs int) error {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	dial := c.opts.Dial
	if dial == nil {
		return fmt.Errorf("sendspin: no Dial configured")
	}
	conn, err := dial(dialCtx, url)
	if err != nil {
		return fmt.Errorf("sendspin: open transport: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	waitCh := c.registerHelloWaiter()
	if err := c.sendHello(); err != nil {
		return err
	}

	select {
	case hello := <-waitCh:
		c.mu.Lock()
		c.serverID = hello.ServerID
		c.serverName = hello.Name
		c.serverVersion = hello.Version
		c.mu.Unlock()
	case <-dialCtx.Done():
		return ErrHelloTimeout
	}

	if c.hasRole(protocol.RoleFamilyPlayer) {
		if err := c.sendEnvelope("client/state", protocol.ClientStateMessage{
			State: protocol.ClientStateSynchronized,
			Player: &protocol.ClientPlayerState{
				Volume: c.opts.InitialVolume,
				Muted:  boolPtr(c.opts.InitialMuted),
			},
		}); err != nil {
			return err
		}
	}

	c.sendTimeSync()
	return nil
}

func (c *Client) hasRole(family string) bool {
	for _, r := range c.roles {
		if r == family {
			return true
		}
	}
	return false
}

func (c *Client) registerHelloWaiter() chan protocol.ServerHello {
	ch := make(chan protocol.ServerHello, 1)
	c.mu.Lock()
	c.helloWaiters = append(c.helloWaiters, ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) sendHello() error {
	versioned := make([]string, len(c.roles))
	for i, family := range c.roles {
		versioned[i] = protocol.VersionedRole(family, protocol.ProtocolVersion)
	}
	hello := protocol.ClientHello{
		ClientID:          c.clientID,
		Name:              c.name,
		Version:           protocol.ProtocolVersion,
		SupportedRoles:    versioned,
		DeviceInfo:        c.opts.DeviceInfo,
		PlayerSupport:     c.opts.PlayerSupport,
		ArtworkSupport:    c.opts.ArtworkSupport,
		VisualizerSupport: c.opts.VisualizerSupport,
		SourceSupport:     c.opts.SourceSupport,
	}
	return c.sendEnvelope("client/hello", hello)
}

func (c *Client) sendEnvelope(msgType string, payload any) error {
	data, err := json.Marshal(protocol.Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	return conn.SendText(data)
}

// Disconnect sends client/goodbye, stops the time-sync timer, and closes
// the transport.
func (c *Client) Disconnect(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = c.sendEnvelope("client/goodbye", protocol.ClientGoodbye{Reason: reason})
	err := conn.Close()
	c.notifyDisconnected(nil)
	return err
}

// HandleText dispatches one inbound text envelope to the appropriate
// handler, mirroring Session.HandleText on the peer side.
func (c *Client) HandleText(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch env.Type {
	case "server/hello":
		c.handleServerHello(env.Payload)
	case "server/time":
		c.handleServerTime(env.Payload)
	case "stream/start":
		c.handleStreamStart(env.Payload)
	case "stream/clear":
		c.handleStreamClear(env.Payload)
	case "stream/end":
		c.handleStreamEnd(env.Payload)
	case "server/state":
		c.handleServerState(env.Payload)
	case "group/update":
		c.handleGroupUpdate(env.Payload)
	case "server/command":
		c.handleServerCommand(env.Payload)
	}
}

// HandleBinary decodes an inbound binary frame and, if it is an audio
// chunk and the stream is active, forwards it to audio-chunk listeners.
func (c *Client) HandleBinary(data []byte) {
	c.mu.Lock()
	active := c.streamActive
	format := c.format
	c.mu.Unlock()
	if !active {
		return
	}
	tag, ts, payload, err := UnpackHeader(data)
	if err != nil || tag != TagAudioChunk {
		return
	}
	for _, fn := range c.audioChunkListeners.Snapshot() {
		fn := fn
		dispatchSafely(func() { fn(ts, payload, format) }, nil)
	}
}

func (c *Client) handleServerHello(payload any) {
	var hello protocol.ServerHello
	if err := protocol.DecodePayload(payload, &hello); err != nil {
		return
	}
	c.mu.Lock()
	waiters := c.helloWaiters
	c.helloWaiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- hello
	}
}

func (c *Client) handleServerTime(payload any) {
	var st protocol.ServerTime
	if err := protocol.DecodePayload(payload, &st); err != nil {
		return
	}
	nowUs := c.now()
	measured := (float64(st.ServerReceived-st.ClientTransmitted) + float64(st.ServerTransmitted-nowUs)) / 2
	maxError := (float64(nowUs-st.ClientTransmitted) - float64(st.ServerTransmitted-st.ServerReceived)) / 2
	if maxError < 1 {
		maxError = 1
	}
	c.filter.Update(measured, maxError, nowUs)
	c.scheduleNextTimeSync()
}

// scheduleNextTimeSync (re)arms the single time-sync timer per the
// adaptive cadence table. It runs after every successful client/time send
// and again after every server/time reply, so the interval reflects the
// newest filter state; each call replaces the pending timer.
func (c *Client) scheduleNextTimeSync() {
	var interval time.Duration
	if !c.filter.IsSynchronized() {
		interval = 200 * time.Millisecond
	} else {
		switch err := c.filter.Error(); {
		case err < 1000:
			interval = 3000 * time.Millisecond
		case err < 2000:
			interval = 1000 * time.Millisecond
		case err < 5000:
			interval = 500 * time.Millisecond
		default:
			interval = 200 * time.Millisecond
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	c.syncTimer = time.AfterFunc(interval, c.sendTimeSync)
}

func (c *Client) sendTimeSync() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.sendEnvelope("client/time", protocol.ClientTime{ClientTransmitted: c.now()}); err != nil {
		return
	}
	c.scheduleNextTimeSync()
}

// ComputePlayTime projects a server-timestamped media sample into local
// playback time, applying the half-second bootstrap margin while
// unsynchronized.
func (c *Client) ComputePlayTime(serverTsUs int64) int64 {
	if c.filter.IsSynchronized() {
		return c.filter.ClientFromServer(serverTsUs) + c.staticDelayUs
	}
	return c.now() + 500_000 + c.staticDelayUs
}

// ComputeServerTime projects a local capture timestamp into server time.
func (c *Client) ComputeServerTime(clientTsUs int64) int64 {
	return c.filter.ServerFromClient(clientTsUs - c.staticDelayUs)
}

func (c *Client) handleStreamStart(payload any) {
	var ss protocol.StreamStart
	if err := protocol.DecodePayload(payload, &ss); err != nil {
		return
	}

	isNew := false
	if ss.Player != nil {
		format := audio.PCMFormat{
			Codec:      ss.Player.Codec,
			SampleRate: ss.Player.SampleRate,
			Channels:   ss.Player.Channels,
			BitDepth:   ss.Player.BitDepth,
		}
		if err := format.ValidatePlayerOutput(); err != nil {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				conn.CloseWithStatus(closeCodeProtocolError, "invalid player stream format")
			}
			c.NotifyDisconnected(err)
			return
		}
		if ss.Player.CodecHeader != "" {
			if decoded, err := base64.StdEncoding.DecodeString(ss.Player.CodecHeader); err == nil {
				format.CodecHeader = decoded
			}
		}

		c.mu.Lock()
		isNew = !c.streamActive
		c.streamActive = true
		c.format = format
		c.mu.Unlock()
	}

	if isNew {
		for _, fn := range c.streamStartListeners.Snapshot() {
			fn := fn
			dispatchSafely(func() { fn(ss) }, nil)
		}
		c.sendTimeSync()
		return
	}
	if ss.Player == nil {
		for _, fn := range c.streamStartListeners.Snapshot() {
			fn := fn
			dispatchSafely(func() { fn(ss) }, nil)
		}
	}
}

func (c *Client) handleStreamClear(payload any) {
	var sc protocol.StreamClear
	if err := protocol.DecodePayload(payload, &sc); err != nil {
		return
	}
	for _, role := range sc.Roles {
		if role != protocol.RoleFamilyPlayer && role != protocol.RoleFamilyVisualizer {
			return
		}
	}
	for _, fn := range c.streamClearListeners.Snapshot() {
		fn := fn
		dispatchSafely(func() { fn(sc.Roles) }, nil)
	}
}

func (c *Client) handleStreamEnd(payload any) {
	var se protocol.StreamEnd
	if err := protocol.DecodePayload(payload, &se); err != nil {
		return
	}
	affectsPlayer := len(se.Roles) == 0
	for _, role := range se.Roles {
		if role == protocol.RoleFamilyPlayer {
			affectsPlayer = true
		}
	}
	if affectsPlayer {
		c.mu.Lock()
		c.streamActive = false
		c.format = audio.PCMFormat{}
		c.mu.Unlock()
	}
	for _, fn := range c.streamEndListeners.Snapshot() {
		fn := fn
		dispatchSafely(func() { fn(se.Roles) }, nil)
	}
}

func (c *Client) handleServerState(payload any) {
	var state protocol.ServerStateMessage
	if err := protocol.DecodePayload(payload, &state); err != nil {
		return
	}
	if state.Metadata != nil {
		for _, fn := range c.metadataListeners.Snapshot() {
			fn := fn
			m := *state.Metadata
			dispatchSafely(func() { fn(m) }, nil)
		}
	}
	if state.Controller != nil {
		for _, fn := range c.controllerListeners.Snapshot() {
			fn := fn
			cs := *state.Controller
			dispatchSafely(func() { fn(cs) }, nil)
		}
	}
}

func (c *Client) handleGroupUpdate(payload any) {
	var gu protocol.GroupUpdate
	if err := protocol.DecodePayload(payload, &gu); err != nil {
		return
	}
	for _, fn := range c.groupUpdateListeners.Snapshot() {
		fn := fn
		dispatchSafely(func() { fn(gu) }, nil)
	}
}

func (c *Client) handleServerCommand(payload any) {
	var cmd protocol.ServerCommandMessage
	if err := protocol.DecodePayload(payload, &cmd); err != nil {
		return
	}
	for _, fn := range c.serverCommandListener.Snapshot() {
		fn := fn
		dispatchSafely(func() { fn(cmd) }, nil)
	}
	if cmd.Source != nil {
		for _, fn := range c.sourceCommandListener.Snapshot() {
			fn := fn
			sc := *cmd.Source
			dispatchSafely(func() { fn(sc) }, nil)
		}
	}
}

// SendPlayerState reports the player role's current state.
func (c *Client) SendPlayerState(s protocol.ClientPlayerState) error {
	return c.sendEnvelope("client/state", protocol.ClientStateMessage{Player: &s})
}

// SendSourceState reports the source role's current capture state.
func (c *Client) SendSourceState(s protocol.ClientSourceState) error {
	return c.sendEnvelope("client/state", protocol.ClientStateMessage{Source: &s})
}

// SendGroupCommand issues a controller command with optional volume/mute.
func (c *Client) SendGroupCommand(cmd string, volume *int, mute *bool) error {
	return c.sendEnvelope("client/command", protocol.ClientCommandMessage{
		Controller: &protocol.ControllerCommand{Command: cmd, Volume: volume, Mute: mute},
	})
}

// SendSourceCommand issues a start/stop command from the source role.
func (c *Client) SendSourceCommand(cmd string) error {
	return c.sendEnvelope("client/command", protocol.ClientCommandMessage{
		Source: &protocol.SourceCommand{Command: cmd},
	})
}

// SourceAudioOptions selects how SendSourceAudioChunk derives its wire
// timestamp: an explicit server timestamp, or a capture timestamp that
// requires a synchronized clock to project.
type SourceAudioOptions struct {
	CaptureTsUs *int64
	ServerTsUs  *int64
}

// SendSourceAudioChunk uploads one captured PCM chunk, timestamped in
// server time.
func (c *Client) SendSourceAudioChunk(data []byte, opts SourceAudioOptions) error {
	var ts int64
	switch {
	case opts.ServerTsUs != nil:
		ts = *opts.ServerTsUs
	case opts.CaptureTsUs != nil:
		if !c.filter.IsSynchronized() {
			return ErrNotSynchronized
		}
		ts = c.filter.ServerFromClient(*opts.CaptureTsUs)
	default:
		return ErrMissingTimestamp
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	return conn.SendBinary(PackFrame(TagSourceAudioChunk, ts, data))
}

// AddMetadataListener registers fn for every server/state.metadata update.
func (c *Client) AddMetadataListener(fn func(protocol.MetadataState)) Unsubscribe {
	return c.metadataListeners.Add(fn)
}

// AddGroupUpdateListener registers fn for every group/update.
func (c *Client) AddGroupUpdateListener(fn func(protocol.GroupUpdate)) Unsubscribe {
	return c.groupUpdateListeners.Add(fn)
}

// AddControllerStateListener registers fn for every server/state.controller update.
func (c *Client) AddControllerStateListener(fn func(protocol.ControllerState)) Unsubscribe {
	return c.controllerListeners.Add(fn)
}

// AddStreamStartListener registers fn for stream/start notifications
// (fired for new streams, and for player-absent format-update messages).
func (c *Client) AddStreamStartListener(fn func(protocol.StreamStart)) Unsubscribe {
	return c.streamStartListeners.Add(fn)
}

// AddStreamEndListener registers fn for stream/end notifications.
func (c *Client) AddStreamEndListener(fn func([]string)) Unsubscribe {
	return c.streamEndListeners.Add(fn)
}

// AddStreamClearListener registers fn for stream/clear notifications.
func (c *Client) AddStreamClearListener(fn func([]string)) Unsubscribe {
	return c.streamClearListeners.Add(fn)
}

// AddAudioChunkListener registers fn for decoded inbound audio chunks.
func (c *Client) AddAudioChunkListener(fn func(timestampUs int64, payload []byte, format audio.PCMFormat)) Unsubscribe {
	return c.audioChunkListeners.Add(fn)
}

// AddDisconnectListener registers fn to be called once when the
// connection is lost or Disconnect completes.
func (c *Client) AddDisconnectListener(fn func(error)) Unsubscribe {
	return c.disconnectListeners.Add(fn)
}

// AddServerCommandListener registers fn for server/command messages.
func (c *Client) AddServerCommandListener(fn func(protocol.ServerCommandMessage)) Unsubscribe {
	return c.serverCommandListener.Add(fn)
}

// AddSourceCommandListener registers fn for the server/command.source block,
// the play/pause/VAD control a source-role client receives from the server.
func (c *Client) AddSourceCommandListener(fn func(protocol.ServerSourceCommand)) Unsubscribe {
	return c.sourceCommandListener.Add(fn)
}

// NotifyDisconnected fires every disconnect listener once. The owner of
// the transport's read loop (e.g. a ReadMessage failure in cmd/sendspin-play)
// calls this when the connection is lost out from under the client, same
// as Disconnect does for a clean shutdown. It is a no-op once the client
// is already closed, so listeners are not notified a second time.
func (c *Client) NotifyDisconnected(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	c.mu.Unlock()
	c.notifyDisconnected(err)
}

func (c *Client) notifyDisconnected(err error) {
	for _, fn := range c.disconnectListeners.Snapshot() {
		fn := fn
		dispatchSafely(func() { fn(err) }, nil)
	}
}

// IsSynchronized reports whether the client's TimeFilter has converged.
func (c *Client) IsSynchronized() bool { return c.filter.IsSynchronized() }

// ServerInfo returns the cached identity fields from the last server/hello.
func (c *Client) ServerInfo() (serverID, serverName string, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID, c.serverName, c.serverVersion
}

// StreamFormat returns the currently active player stream format, if any.
func (c *Client) StreamFormat() (format audio.PCMFormat, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format, c.streamActive
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
