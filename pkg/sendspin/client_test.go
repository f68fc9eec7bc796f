// ABOUTME: Connect sequence, time-sync cadence, and stream-handling tests for Client
package sendspin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lox-audioserver/node-sendspin/pkg/audio"
	"github.com/lox-audioserver/node-sendspin/pkg/protocol"
)

func testClient(t *testing.T, roles []string, opts ClientOptions) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	opts.Dial = func(ctx context.Context, url string) (Conn, error) { return conn, nil }
	if opts.Clock == nil {
		tick := int64(0)
		opts.Clock = func() int64 { tick += 1000; return tick }
	}
	c, err := NewClient("client-1", "Test Client", roles, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, conn
}

func sendServerHello(t *testing.T, c *Client, serverID, name string, version int) {
	t.Helper()
	data, err := json.Marshal(protocol.Envelope{Type: "server/hello", Payload: protocol.ServerHello{
		ServerID: serverID, Name: name, Version: version, ActiveRoles: []string{}, ConnectionReason: protocol.ConnectionReasonDiscovery,
	}})
	if err != nil {
		t.Fatalf("marshal server/hello: %v", err)
	}
	c.HandleText(data)
}

func sendServerTime(t *testing.T, c *Client, clientTransmitted, serverReceived, serverTransmitted int64) {
	t.Helper()
	data, err := json.Marshal(protocol.Envelope{Type: "server/time", Payload: protocol.ServerTime{
		ClientTransmitted: clientTransmitted, ServerReceived: serverReceived, ServerTransmitted: serverTransmitted,
	}})
	if err != nil {
		t.Fatalf("marshal server/time: %v", err)
	}
	c.HandleText(data)
}

func waitForTexts(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.textCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d text messages, got %d", n, conn.textCount())
}

func mustUnmarshal(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func playerSupport() *protocol.PlayerV1Support {
	return &protocol.PlayerV1Support{
		SupportedFormats: []protocol.AudioFormatSpec{{Codec: "pcm", Channels: 2, SampleRate: 48000, BitDepth: 16}},
	}
}

func TestNewClientRequiresPlayerSupport(t *testing.T) {
	_, err := NewClient("c1", "c1", []string{"player"}, ClientOptions{})
	if err != ErrMissingPlayerSupport {
		t.Fatalf("err = %v, want ErrMissingPlayerSupport", err)
	}
}

func TestNewClientRequiresArtworkSupport(t *testing.T) {
	_, err := NewClient("c1", "c1", []string{"artwork"}, ClientOptions{})
	if err != ErrMissingArtworkSupport {
		t.Fatalf("err = %v, want ErrMissingArtworkSupport", err)
	}
}

func TestNewClientRequiresSourceSupport(t *testing.T) {
	_, err := NewClient("c1", "c1", []string{"source"}, ClientOptions{})
	if err != ErrMissingSourceSupport {
		t.Fatalf("err = %v, want ErrMissingSourceSupport", err)
	}
}

func TestClientConnectSendsHelloAndPlayerState(t *testing.T) {
	c, conn := testClient(t, []string{"player"}, ClientOptions{PlayerSupport: playerSupport()})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "ws://example/sendspin", 1000) }()

	waitForTexts(t, conn, 1)
	var env protocol.Envelope
	mustUnmarshal(t, conn.lastText(), &env)
	if env.Type != "client/hello" {
		t.Fatalf("first message type = %q", env.Type)
	}

	sendServerHello(t, c, "srv-1", "Server", 1)

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if conn.textCount() < 3 {
		t.Fatalf("expected hello + client/state + client/time, got %d", conn.textCount())
	}
	var state protocol.Envelope
	mustUnmarshal(t, conn.texts[1], &state)
	if state.Type != "client/state" {
		t.Errorf("second message type = %q, want client/state", state.Type)
	}
	serverID, _, _ := c.ServerInfo()
	if serverID != "srv-1" {
		t.Errorf("ServerInfo serverID = %q", serverID)
	}
}

func TestClientConnectTimesOutWithoutServerHello(t *testing.T) {
	c, _ := testClient(t, []string{}, ClientOptions{})
	err := c.Connect(context.Background(), "ws://example/sendspin", 50)
	if err != ErrHelloTimeout {
		t.Fatalf("err = %v, want ErrHelloTimeout", err)
	}
}

func TestClientServerTimeFeedsFilter(t *testing.T) {
	c, conn := testClient(t, []string{}, ClientOptions{})
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "ws://x", 1000) }()
	waitForTexts(t, conn, 1)
	sendServerHello(t, c, "srv-1", "Server", 1)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if c.IsSynchronized() {
		t.Fatalf("should not be synchronized before any server/time reply")
	}

	sendServerTime(t, c, 1000, 1000, 1000)
	sendServerTime(t, c, 2000, 2000, 2000)
	if !c.IsSynchronized() {
		t.Fatalf("expected synchronized after two server/time replies")
	}
}

func TestClientStreamStartNewVsFormatUpdate(t *testing.T) {
	c, _ := testClient(t, []string{"player"}, ClientOptions{PlayerSupport: playerSupport()})

	var startCount int
	c.AddStreamStartListener(func(protocol.StreamStart) { startCount++ })

	c.handleStreamStart(protocol.StreamStart{Player: &protocol.StreamStartPlayer{
		Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16,
	}})
	if startCount != 1 {
		t.Fatalf("startCount after first start = %d, want 1", startCount)
	}
	format, active := c.StreamFormat()
	if !active || format.SampleRate != 48000 {
		t.Fatalf("format/active = %+v/%v", format, active)
	}

	c.handleStreamStart(protocol.StreamStart{Player: &protocol.StreamStartPlayer{
		Codec: "pcm", SampleRate: 44100, Channels: 2, BitDepth: 16,
	}})
	if startCount != 1 {
		t.Fatalf("format update should not re-notify listeners, startCount = %d", startCount)
	}
	format, _ = c.StreamFormat()
	if format.SampleRate != 44100 {
		t.Fatalf("format update should still apply, got %+v", format)
	}
}

func TestClientStreamStartRejectsOutOfRangeFormat(t *testing.T) {
	c, conn := testClient(t, []string{"player"}, ClientOptions{PlayerSupport: playerSupport()})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "ws://example/sendspin", 1000) }()
	waitForTexts(t, conn, 1)
	sendServerHello(t, c, "srv-1", "Server", 1)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var startCount int
	c.AddStreamStartListener(func(protocol.StreamStart) { startCount++ })
	var disconnectErr error
	var gotDisconnect bool
	c.AddDisconnectListener(func(err error) { gotDisconnect = true; disconnectErr = err })

	c.handleStreamStart(protocol.StreamStart{Player: &protocol.StreamStartPlayer{
		Codec: "pcm", SampleRate: 48000, Channels: 6, BitDepth: 8,
	}})

	if startCount != 0 {
		t.Fatalf("out-of-range format should not notify stream-start listeners, startCount = %d", startCount)
	}
	if _, active := c.StreamFormat(); active {
		t.Fatalf("out-of-range format should not be committed as active")
	}
	if !gotDisconnect || disconnectErr == nil {
		t.Fatalf("expected a disconnect notification carrying the validation error")
	}
	if !conn.isClosed() {
		t.Fatalf("expected the connection to be closed on an invalid stream format")
	}
	code, reason := conn.closeInfo()
	if code != closeCodeProtocolError || reason != "invalid player stream format" {
		t.Errorf("close = %d %q", code, reason)
	}
}

func TestClientStreamClearIgnoresDisallowedRoles(t *testing.T) {
	c, _ := testClient(t, []string{}, ClientOptions{})
	var got []string
	c.AddStreamClearListener(func(roles []string) { got = roles })

	c.handleStreamClear(protocol.StreamClear{Roles: []string{"source"}})
	if got != nil {
		t.Fatalf("expected stream/clear with a disallowed role to be ignored, got %v", got)
	}

	c.handleStreamClear(protocol.StreamClear{Roles: []string{"player", "visualizer"}})
	if len(got) != 2 {
		t.Fatalf("expected allowed stream/clear to notify listeners, got %v", got)
	}
}

func TestClientStreamEndDropsPlayerState(t *testing.T) {
	c, _ := testClient(t, []string{"player"}, ClientOptions{PlayerSupport: playerSupport()})
	c.handleStreamStart(protocol.StreamStart{Player: &protocol.StreamStartPlayer{
		Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16,
	}})

	var endFired bool
	c.AddStreamEndListener(func(roles []string) { endFired = true })
	c.handleStreamEnd(protocol.StreamEnd{})

	_, active := c.StreamFormat()
	if active {
		t.Fatalf("stream/end with no roles should clear player stream state")
	}
	if !endFired {
		t.Fatalf("expected stream end listener to fire")
	}
}

func TestClientBinaryAudioChunkOnlyWhenActive(t *testing.T) {
	c, _ := testClient(t, []string{"player"}, ClientOptions{PlayerSupport: playerSupport()})

	var gotTs int64
	var gotPayload []byte
	var gotFormat audio.PCMFormat
	c.AddAudioChunkListener(func(ts int64, payload []byte, format audio.PCMFormat) {
		gotTs, gotPayload, gotFormat = ts, payload, format
	})

	frame := PackFrame(TagAudioChunk, 777, []byte{1, 2, 3})
	c.HandleBinary(frame)
	if gotPayload != nil {
		t.Fatalf("expected no delivery while stream inactive")
	}

	c.handleStreamStart(protocol.StreamStart{Player: &protocol.StreamStartPlayer{
		Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16,
	}})
	c.HandleBinary(frame)
	if gotTs != 777 || len(gotPayload) != 3 || gotFormat.SampleRate != 48000 {
		t.Fatalf("ts=%d payload=%v format=%+v", gotTs, gotPayload, gotFormat)
	}
}

func TestClientSendSourceAudioChunkRequiresSync(t *testing.T) {
	c, _ := testClient(t, []string{"source"}, ClientOptions{SourceSupport: &protocol.SourceV1Support{}})
	capture := int64(100)
	err := c.SendSourceAudioChunk([]byte{1, 2, 3}, SourceAudioOptions{CaptureTsUs: &capture})
	if err != ErrNotSynchronized {
		t.Fatalf("err = %v, want ErrNotSynchronized", err)
	}
}

func TestClientSendSourceAudioChunkMissingTimestamp(t *testing.T) {
	c, _ := testClient(t, []string{"source"}, ClientOptions{SourceSupport: &protocol.SourceV1Support{}})
	err := c.SendSourceAudioChunk([]byte{1, 2, 3}, SourceAudioOptions{})
	if err != ErrMissingTimestamp {
		t.Fatalf("err = %v, want ErrMissingTimestamp", err)
	}
}

func TestClientSendSourceAudioChunkWithExplicitServerTs(t *testing.T) {
	c, conn := testClient(t, []string{"source"}, ClientOptions{SourceSupport: &protocol.SourceV1Support{}})
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "ws://x", 1000) }()
	waitForTexts(t, conn, 1)
	sendServerHello(t, c, "srv-1", "Server", 1)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts := int64(555)
	if err := c.SendSourceAudioChunk([]byte{9, 9}, SourceAudioOptions{ServerTsUs: &ts}); err != nil {
		t.Fatalf("SendSourceAudioChunk: %v", err)
	}
	tag, gotTs, payload, err := UnpackHeader(conn.lastBinary())
	if err != nil {
		t.Fatalf("UnpackHeader: %v", err)
	}
	if tag != TagSourceAudioChunk || gotTs != 555 || len(payload) != 2 {
		t.Errorf("tag=%d ts=%d payload=%v", tag, gotTs, payload)
	}
}

func TestClientDisconnectSendsGoodbyeAndCloses(t *testing.T) {
	c, conn := testClient(t, []string{}, ClientOptions{})
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "ws://x", 1000) }()
	waitForTexts(t, conn, 1)
	sendServerHello(t, c, "srv-1", "Server", 1)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Disconnect("user_request"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("expected transport closed after Disconnect")
	}
	var last protocol.Envelope
	mustUnmarshal(t, conn.lastText(), &last)
	if last.Type != "client/goodbye" {
		t.Errorf("last message type = %q, want client/goodbye", last.Type)
	}
}
