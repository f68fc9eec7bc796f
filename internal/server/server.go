// ABOUTME: HTTP+WebSocket wiring for the example sendspin server binary
// ABOUTME: upgrades connections into pkg/sendspin Sessions and feeds a test-tone source to player roles
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lox-audioserver/node-sendspin/internal/discovery"
	"github.com/lox-audioserver/node-sendspin/pkg/protocol"
	"github.com/lox-audioserver/node-sendspin/pkg/sendspin"
)

// Config configures a Server.
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	Debug      bool
	UseTUI     bool
}

// Server wires an HTTP listener and WebSocket upgrader to a
// sendspin.SessionRegistry, dispatching each connection's frames into
// its Session.
type Server struct {
	config   Config
	registry *sendspin.SessionRegistry

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux

	mdnsManager *discovery.Manager
	tui         *ServerTUI

	startTime time.Time
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Server in its pre-Start state.
func New(config Config) *Server {
	mux := http.NewServeMux()
	s := &Server{
		config: config,
		registry: sendspin.NewRegistry(sendspin.RegistryConfig{
			ServerName: config.Name,
		}),
		mux: mux,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
	mux.HandleFunc("/sendspin", s.handleWebSocket)
	return s
}

// Start runs the HTTP server, mDNS advertisement, and test-tone source
// until Stop is called or a fatal server error occurs.
func (s *Server) Start() error {
	if s.config.UseTUI {
		s.tui = NewServerTUI(s.config.Name, s.config.Port)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tui.Start(); err != nil {
				log.Printf("tui: %v", err)
			}
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statusLoop()
		}()
	}

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("mDNS: failed to advertise: %v", err)
		}
	}

	source := newToneSource()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.streamLoop(source)
	}()

	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Printf("sendspin: listening on %s/sendspin", addr)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var tuiQuit <-chan struct{}
	if s.tui != nil {
		tuiQuit = s.tui.QuitChan()
	}

	var serveErr error
	select {
	case <-s.stopChan:
		log.Printf("sendspin: shutting down")
	case <-tuiQuit:
		log.Printf("sendspin: tui quit requested, shutting down")
	case err := <-errChan:
		log.Printf("sendspin: http server error: %v", err)
		serveErr = err
	}

	if s.tui != nil {
		s.tui.Stop()
	}
	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("sendspin: http shutdown error: %v", err)
	}

	s.wg.Wait()
	if serveErr != nil {
		return fmt.Errorf("sendspin: server failed: %w", serveErr)
	}
	return nil
}

// Stop requests a graceful shutdown. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sendspin: upgrade error: %v", err)
		return
	}
	wsConn := sendspin.NewWSConn(conn)
	meta := connMetaFromRequest(r)

	sess := s.registry.Accept(wsConn, meta)
	if s.config.Debug {
		log.Printf("sendspin: accepted connection from %s", meta.RemoteAddr)
	}

	defer s.registry.Remove(wsConn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.TextMessage:
			sess.HandleText(data)
		case websocket.BinaryMessage:
			sess.HandleBinary(data)
		}
	}
}

// connMetaFromRequest extracts the zone/player/reason query parameters
// used as the registry's per-connection metadata source.
func connMetaFromRequest(r *http.Request) sendspin.ConnMeta {
	q := r.URL.Query()
	meta := sendspin.ConnMeta{RemoteAddr: r.RemoteAddr}
	if z := q.Get("zone"); z != "" {
		if zi, err := strconv.Atoi(z); err == nil {
			meta.ZoneID = &zi
		}
	}
	if p := q.Get("player"); p != "" {
		meta.PlayerID = &p
	}
	if reason := q.Get("reason"); reason != "" {
		meta.ConnectionReason = &reason
	}
	return meta
}

// streamLoop pushes 20ms PCM frames from source to every identified player
// session, exercising Session.SendPCM's backpressure path. It is a stand-in
// for a real decode/playback pipeline, which is out of scope here.
func (s *Server) streamLoop(source *toneSource) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			frame := source.NextFrame()
			for _, sess := range s.registry.Sessions() {
				if !sess.IsIdentified() {
					continue
				}
				hasPlayer := false
				for _, role := range sess.Roles() {
					if protocol.RoleFamily(role) == protocol.RoleFamilyPlayer {
						hasPlayer = true
					}
				}
				if hasPlayer {
					sess.SendPCM(sendspin.PCMFrame{Data: frame})
				}
			}
		}
	}
}

func (s *Server) statusLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.tui.Update(s.status())
		}
	}
}

func (s *Server) status() ServerStatus {
	sessions := s.registry.Sessions()
	clients := make([]ClientInfo, 0, len(sessions))
	for _, sess := range sessions {
		_, drops := sess.BackpressureStats()
		state := "ready"
		if sess.IsIdentified() {
			state = "identified"
		}
		clients = append(clients, ClientInfo{
			ID:    sess.ClientID(),
			Roles: sess.Roles(),
			State: state,
			Drops: drops,
		})
	}
	stats := s.registry.Stats()
	return ServerStatus{
		Name:    s.config.Name,
		Port:    s.config.Port,
		Uptime:  time.Since(s.startTime),
		Clients: clients,
		Stats:   stats,
	}
}
