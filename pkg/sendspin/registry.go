// ABOUTME: SessionRegistry maps client ids and sockets to Sessions and routes server-initiated operations
// ABOUTME: also holds the pending-hooks rendezvous table and the lead-stats ledger
package sendspin

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lox-audioserver/node-sendspin/pkg/protocol"
)

// RegistryConfig configures a SessionRegistry.
type RegistryConfig struct {
	// ServerID is sent in server/hello. Defaults to a fresh uuid.
	ServerID string
	// ServerName is sent in server/hello.
	ServerName string
	Clock      func() int64
}

type pendingHooks struct {
	hooks Hooks
	ctx   any
}

// LeadStats is one client's most recently reported playback-lead figures,
// supplied by whatever upstream streamer drives this registry.
type LeadStats struct {
	LeadUs       int64
	TargetLeadUs int64
	BufferedByte *int64
	UpdatedAt    time.Time
}

// SessionRegistry owns every live Session, keyed by the socket it was
// created for, plus a pending-hooks table for hooks registered before a
// session has identified. There is no map by client id: lookups by id scan
// the tracked sessions.
type SessionRegistry struct {
	cfg RegistryConfig

	mu               sync.RWMutex
	sessionsBySocket map[Conn]*Session
	pending          map[string]pendingHooks
	leadStats        map[string]LeadStats
}

// NewRegistry constructs an empty SessionRegistry.
func NewRegistry(cfg RegistryConfig) *SessionRegistry {
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.New().String()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "Sendspin Server"
	}
	return &SessionRegistry{
		cfg:              cfg,
		sessionsBySocket: make(map[Conn]*Session),
		pending:          make(map[string]pendingHooks),
		leadStats:        make(map[string]LeadStats),
	}
}

// Accept creates a Session for a freshly opened connection and tracks it
// by socket. The returned Session is ready to receive HandleText/
// HandleBinary calls from whatever owns the connection's read loop.
func (r *SessionRegistry) Accept(conn Conn, meta ConnMeta) *Session {
	sess := NewSession(conn, meta, SessionOptions{
		ServerID:    r.cfg.ServerID,
		ServerName:  r.cfg.ServerName,
		Clock:       r.cfg.Clock,
		AttachHooks: r.resolvePendingHooks,
	})

	r.mu.Lock()
	r.sessionsBySocket[conn] = sess
	r.mu.Unlock()

	return sess
}

// resolvePendingHooks is threaded into every Session as its AttachHooks
// option, so hooks registered via RegisterHooks before a session
// identifies are attached the moment its client_id becomes known.
func (r *SessionRegistry) resolvePendingHooks(clientID string) (Hooks, any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ph, ok := r.pending[clientID]
	if !ok {
		return Hooks{}, nil, false
	}
	return ph.hooks, ph.ctx, true
}

// Remove detaches the session owning conn from the registry and destroys
// it. Called once the underlying transport is known closed.
func (r *SessionRegistry) Remove(conn Conn) {
	r.mu.Lock()
	sess, ok := r.sessionsBySocket[conn]
	if ok {
		delete(r.sessionsBySocket, conn)
	}
	r.mu.Unlock()

	if ok {
		sess.Destroy()
	}
}

// RegisterHooks installs h for clientID: if a session with that id already
// exists, attaches immediately; otherwise the hooks latch in the pending
// table for the next session that identifies with that id.
func (r *SessionRegistry) RegisterHooks(clientID string, h Hooks, ctx any) {
	r.mu.Lock()
	r.pending[clientID] = pendingHooks{hooks: h, ctx: ctx}
	sess := r.sessionForID(clientID)
	r.mu.Unlock()

	if sess != nil {
		sess.SetHooks(h, ctx)
	}
}

// UnregisterHooks removes any pending hook registration for clientID. It
// does not strip hooks already attached to a live session.
func (r *SessionRegistry) UnregisterHooks(clientID string) {
	r.mu.Lock()
	delete(r.pending, clientID)
	r.mu.Unlock()
}

// GetSession returns the session for clientID, preferring one whose
// connection_reason is "playback" when more than one session shares the
// id (a stale discovery socket shouldn't win over an active stream).
func (r *SessionRegistry) GetSession(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionForID(clientID)
}

// sessionForID must be called with r.mu held (read or write).
func (r *SessionRegistry) sessionForID(clientID string) *Session {
	var fallback *Session
	for _, sess := range r.sessionsBySocket {
		if sess.ClientID() != clientID {
			continue
		}
		if sess.ConnectionReason() == protocol.ConnectionReasonPlayback {
			return sess
		}
		if fallback == nil {
			fallback = sess
		}
	}
	return fallback
}

// Sessions returns a snapshot of every currently tracked session.
func (r *SessionRegistry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessionsBySocket))
	for _, sess := range r.sessionsBySocket {
		out = append(out, sess)
	}
	return out
}

// RecordLeadStats stores the most recent lead-time figures for clientID,
// supplied by the upstream streamer driving playback.
func (r *SessionRegistry) RecordLeadStats(clientID string, stats LeadStats) {
	stats.UpdatedAt = time.Now()
	r.mu.Lock()
	r.leadStats[clientID] = stats
	r.mu.Unlock()
}

// LeadStats returns the most recently recorded lead-time figures for
// clientID, if any.
func (r *SessionRegistry) LeadStats(clientID string) (LeadStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.leadStats[clientID]
	return s, ok
}

// RegistryStats summarizes the registry for a dashboard.
type RegistryStats struct {
	ConnectedSessions int
	Identified        int
}

// Stats returns a point-in-time summary of the registry's sessions.
func (r *SessionRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{ConnectedSessions: len(r.sessionsBySocket)}
	for _, sess := range r.sessionsBySocket {
		if sess.IsIdentified() {
			stats.Identified++
		}
	}
	return stats
}

// SendServerCommand is a convenience that resolves clientID to a session
// and forwards SendServerCommand, a no-op if no session is found.
func (r *SessionRegistry) SendServerCommand(clientID string, cmd protocol.ServerCommandMessage) {
	if sess := r.GetSession(clientID); sess != nil {
		sess.SendServerCommand(cmd)
	}
}

// SendGroupUpdate mirrors Session.SendGroupUpdate by client id.
func (r *SessionRegistry) SendGroupUpdate(clientID, state string, groupID, groupName *string) {
	if sess := r.GetSession(clientID); sess != nil {
		sess.SendGroupUpdate(state, groupID, groupName)
	}
}

// SendMetadata mirrors Session.SendMetadata by client id.
func (r *SessionRegistry) SendMetadata(clientID string, m protocol.MetadataState) {
	if sess := r.GetSession(clientID); sess != nil {
		sess.SendMetadata(m)
	}
}

// SendPCM mirrors Session.SendPCM by client id.
func (r *SessionRegistry) SendPCM(clientID string, frame PCMFrame) {
	if sess := r.GetSession(clientID); sess != nil {
		sess.SendPCM(frame)
	}
}
