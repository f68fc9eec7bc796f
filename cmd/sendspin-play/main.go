// ABOUTME: Entry point for the example sendspin playback client binary
// ABOUTME: dials a server, negotiates the player role, and logs sync/stream lifecycle
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lox-audioserver/node-sendspin/internal/discovery"
	"github.com/lox-audioserver/node-sendspin/pkg/audio"
	"github.com/lox-audioserver/node-sendspin/pkg/protocol"
	"github.com/lox-audioserver/node-sendspin/pkg/sendspin"
)

var (
	serverURL         = flag.String("server", "ws://127.0.0.1:8927/sendspin", "Sendspin server URL")
	discover          = flag.Bool("discover", false, "Discover a server via mDNS instead of using -server")
	discoverTimeoutMs = flag.Int("discover-timeout-ms", 3000, "How long to wait for an mDNS discovery result")
	clientID          = flag.String("client-id", "", "Client id (default: hostname-sendspin-play)")
	name              = flag.String("name", "sendspin-play", "Client friendly name")
	delayMs           = flag.Int("static-delay-ms", 0, "Static playback delay in milliseconds")
)

func main() {
	flag.Parse()

	id := *clientID
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		id = fmt.Sprintf("%s-sendspin-play", hostname)
	}

	target := *serverURL
	if *discover {
		found, err := discoverServer(time.Duration(*discoverTimeoutMs) * time.Millisecond)
		if err != nil {
			log.Fatalf("sendspin-play: discover: %v", err)
		}
		target = found
		log.Printf("sendspin-play: discovered server at %s", target)
	}

	var client *sendspin.Client
	client, err := sendspin.NewClient(id, *name, []string{protocol.RoleFamilyPlayer}, sendspin.ClientOptions{
		PlayerSupport: &protocol.PlayerV1Support{
			SupportedFormats: []protocol.AudioFormatSpec{
				{Codec: "pcm", Channels: 2, SampleRate: 48000, BitDepth: 16},
			},
			BufferCapacity: 512 * 1024,
		},
		StaticDelayMs: *delayMs,
		Dial:          func(ctx context.Context, addr string) (sendspin.Conn, error) { return dialAndPump(ctx, addr, &client) },
	})
	if err != nil {
		log.Fatalf("sendspin-play: %v", err)
	}

	unsubscribers := installListeners(client)
	defer func() {
		for _, unsub := range unsubscribers {
			unsub()
		}
	}()

	if err := client.Connect(context.Background(), target, 10000); err != nil {
		log.Fatalf("sendspin-play: connect: %v", err)
	}
	log.Printf("sendspin-play: connected to %s as %s", target, id)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Printf("sendspin-play: disconnecting")
	if err := client.Disconnect(protocol.GoodbyeUserRequest); err != nil {
		log.Printf("sendspin-play: disconnect error: %v", err)
	}
}

// discoverServer browses for a _sendspin-server._tcp advertisement and
// returns the WebSocket URL of the first server found, or an error if none
// answers within timeout.
func discoverServer(timeout time.Duration) (string, error) {
	mgr := discovery.NewManager(discovery.Config{})
	mgr.Browse()
	defer mgr.Stop()

	select {
	case info := <-mgr.Servers():
		return fmt.Sprintf("ws://%s:%d/sendspin", info.Host, info.Port), nil
	case <-time.After(timeout):
		return "", fmt.Errorf("no sendspin server found via mDNS within %s", timeout)
	}
}

// dialAndPump opens the WebSocket, wraps it for outbound sends via WSConn,
// and starts the goroutine that pumps inbound frames into the Client's
// HandleText/HandleBinary — the client-side mirror of the example server's
// handleWebSocket read loop.
func dialAndPump(ctx context.Context, addr string, clientRef **sendspin.Client) (sendspin.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	wsConn := sendspin.NewWSConn(conn)

	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				(*clientRef).NotifyDisconnected(err)
				return
			}
			switch msgType {
			case websocket.TextMessage:
				(*clientRef).HandleText(data)
			case websocket.BinaryMessage:
				(*clientRef).HandleBinary(data)
			}
		}
	}()

	return wsConn, nil
}

func installListeners(client *sendspin.Client) []sendspin.Unsubscribe {
	return []sendspin.Unsubscribe{
		client.AddStreamStartListener(func(ss protocol.StreamStart) {
			if ss.Player != nil {
				log.Printf("sendspin-play: stream/start player codec=%s rate=%d channels=%d depth=%d",
					ss.Player.Codec, ss.Player.SampleRate, ss.Player.Channels, ss.Player.BitDepth)
			}
		}),
		client.AddStreamEndListener(func(roles []string) {
			log.Printf("sendspin-play: stream/end roles=%v", roles)
		}),
		client.AddStreamClearListener(func(roles []string) {
			log.Printf("sendspin-play: stream/clear roles=%v", roles)
		}),
		client.AddGroupUpdateListener(func(gu protocol.GroupUpdate) {
			if gu.PlaybackState != nil {
				log.Printf("sendspin-play: group/update state=%s", *gu.PlaybackState)
			}
		}),
		client.AddMetadataListener(func(m protocol.MetadataState) {
			if title, ok := m.Title.Get(); ok {
				log.Printf("sendspin-play: now playing %q", title)
			}
		}),
		client.AddAudioChunkListener(func(ts int64, payload []byte, format audio.PCMFormat) {
			// Scheduling/output is out of scope here; this just logs the
			// local playback time a real output device would target.
			playAt := client.ComputePlayTime(ts)
			log.Printf("sendspin-play: audio chunk %d bytes, server_ts=%d play_at=%d", len(payload), ts, playAt)
		}),
		client.AddDisconnectListener(func(err error) {
			if err != nil {
				log.Printf("sendspin-play: disconnected: %v", err)
			} else {
				log.Printf("sendspin-play: disconnected")
			}
		}),
	}
}
