// ABOUTME: Tests for SessionRegistry hook rendezvous, lookup preference, and lead-stats ledger
package sendspin

import (
	"testing"

	"github.com/lox-audioserver/node-sendspin/pkg/protocol"
)

func helloEnvelope(clientID string) protocol.ClientHello {
	return helloWithPlayer(clientID)
}

func TestRegistryAcceptTracksBySocket(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Clock: func() int64 { return 0 }})
	conn := newFakeConn()
	sess := reg.Accept(conn, ConnMeta{RemoteAddr: "1.2.3.4:5"})

	if len(reg.Sessions()) != 1 || reg.Sessions()[0] != sess {
		t.Fatalf("expected registry to track the accepted session")
	}

	reg.Remove(conn)
	if len(reg.Sessions()) != 0 {
		t.Fatalf("expected session removed after Remove")
	}
	if !conn.isClosed() {
		t.Errorf("Remove should destroy the session's connection")
	}
}

func TestRegistryHooksAttachAfterIdentify(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Clock: func() int64 { return 0 }})
	conn := newFakeConn()
	sess := reg.Accept(conn, ConnMeta{})

	var fired bool
	reg.RegisterHooks("c1", Hooks{OnIdentified: func(any) { fired = true }}, nil)

	sendEnvelope(t, sess, "client/hello", helloEnvelope("c1"))
	sendEnvelope(t, sess, "client/state", protocol.ClientStateMessage{
		Player: &protocol.ClientPlayerState{Volume: intPtr(10), Muted: boolPtr(false)},
	})

	if !fired {
		t.Fatalf("pending hooks should attach once the session identifies as c1")
	}
}

func TestRegistryHooksAttachImmediatelyWhenSessionAlreadyIdentified(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Clock: func() int64 { return 0 }})
	conn := newFakeConn()
	sess := reg.Accept(conn, ConnMeta{})

	sendEnvelope(t, sess, "client/hello", helloEnvelope("c1"))
	sendEnvelope(t, sess, "client/state", protocol.ClientStateMessage{
		Player: &protocol.ClientPlayerState{Volume: intPtr(10), Muted: boolPtr(false)},
	})

	var fired bool
	reg.RegisterHooks("c1", Hooks{OnGoodbye: func(any, string) { fired = true }}, nil)

	sendEnvelope(t, sess, "client/goodbye", protocol.ClientGoodbye{Reason: "bye"})
	if !fired {
		t.Fatalf("hooks registered for an already-identified client should attach immediately")
	}
}

func TestRegistryUnregisterHooksDropsPending(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Clock: func() int64 { return 0 }})
	conn := newFakeConn()
	sess := reg.Accept(conn, ConnMeta{})

	var fired bool
	reg.RegisterHooks("c1", Hooks{OnIdentified: func(any) { fired = true }}, nil)
	reg.UnregisterHooks("c1")

	sendEnvelope(t, sess, "client/hello", helloEnvelope("c1"))
	sendEnvelope(t, sess, "client/state", protocol.ClientStateMessage{
		Player: &protocol.ClientPlayerState{Volume: intPtr(10), Muted: boolPtr(false)},
	})

	if fired {
		t.Errorf("unregistered hooks should not attach")
	}
}

func TestRegistryGetSessionPrefersPlayback(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Clock: func() int64 { return 0 }})

	discoveryConn := newFakeConn()
	discoverySess := reg.Accept(discoveryConn, ConnMeta{})
	sendEnvelope(t, discoverySess, "client/hello", helloEnvelope("dup"))
	sendEnvelope(t, discoverySess, "client/state", protocol.ClientStateMessage{
		Player: &protocol.ClientPlayerState{Volume: intPtr(10), Muted: boolPtr(false)},
	})

	playbackReason := protocol.ConnectionReasonPlayback
	playbackConn := newFakeConn()
	playbackSess := reg.Accept(playbackConn, ConnMeta{ConnectionReason: &playbackReason})
	sendEnvelope(t, playbackSess, "client/hello", helloEnvelope("dup"))
	sendEnvelope(t, playbackSess, "client/state", protocol.ClientStateMessage{
		Player: &protocol.ClientPlayerState{Volume: intPtr(10), Muted: boolPtr(false)},
	})

	got := reg.GetSession("dup")
	if got != playbackSess {
		t.Fatalf("GetSession should prefer the playback-reason session on duplicate client_id")
	}
}

func TestRegistryLeadStatsRoundTrip(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Clock: func() int64 { return 0 }})

	if _, ok := reg.LeadStats("c1"); ok {
		t.Fatalf("expected no lead stats before any RecordLeadStats call")
	}

	reg.RecordLeadStats("c1", LeadStats{LeadUs: 1000, TargetLeadUs: 1500})
	stats, ok := reg.LeadStats("c1")
	if !ok {
		t.Fatalf("expected lead stats after RecordLeadStats")
	}
	if stats.LeadUs != 1000 || stats.TargetLeadUs != 1500 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.UpdatedAt.IsZero() {
		t.Errorf("expected UpdatedAt to be stamped")
	}
}

func TestRegistryStatsCountsIdentified(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Clock: func() int64 { return 0 }})

	notIdentifiedConn := newFakeConn()
	reg.Accept(notIdentifiedConn, ConnMeta{})

	identifiedConn := newFakeConn()
	identifiedSess := reg.Accept(identifiedConn, ConnMeta{})
	sendEnvelope(t, identifiedSess, "client/hello", helloEnvelope("c2"))
	sendEnvelope(t, identifiedSess, "client/state", protocol.ClientStateMessage{
		Player: &protocol.ClientPlayerState{Volume: intPtr(10), Muted: boolPtr(false)},
	})

	stats := reg.Stats()
	if stats.ConnectedSessions != 2 {
		t.Errorf("ConnectedSessions = %d, want 2", stats.ConnectedSessions)
	}
	if stats.Identified != 1 {
		t.Errorf("Identified = %d, want 1", stats.Identified)
	}
}

func TestRegistryDefaultsServerID(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	if reg.cfg.ServerID == "" {
		t.Errorf("expected a generated ServerID")
	}
	if reg.cfg.ServerName == "" {
		t.Errorf("expected a default ServerName")
	}
}
