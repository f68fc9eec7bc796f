// ABOUTME: Round-trip tests for the message envelope and payload structs
// ABOUTME: Covers capability-block aliasing and metadata absent/null/set semantics
package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Type: "client/time", Payload: ClientTime{ClientTransmitted: 42}}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "client/time" {
		t.Fatalf("type = %q", decoded.Type)
	}

	var ct ClientTime
	if err := DecodePayload(decoded.Payload, &ct); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ct.ClientTransmitted != 42 {
		t.Errorf("client_transmitted = %d, want 42", ct.ClientTransmitted)
	}
}

func TestClientHelloCanonicalSupportKey(t *testing.T) {
	hello := ClientHello{
		ClientID:       "c1",
		Name:           "Kitchen",
		Version:        1,
		SupportedRoles: []string{"player@v1"},
		PlayerSupport: &PlayerV1Support{
			SupportedFormats: []AudioFormatSpec{{Codec: "pcm", Channels: 2, SampleRate: 48000, BitDepth: 16}},
		},
	}

	data, err := json.Marshal(hello)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal to map: %v", err)
	}
	if _, ok := raw["player@v1_support"]; !ok {
		t.Fatalf("expected canonical key player@v1_support in %s", data)
	}

	var decoded ClientHello
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round-trip unmarshal: %v", err)
	}
	if decoded.PlayerSupport == nil || len(decoded.PlayerSupport.SupportedFormats) != 1 {
		t.Fatalf("player support not round-tripped: %+v", decoded.PlayerSupport)
	}
}

func TestClientHelloNonStringRoleEntrySkipped(t *testing.T) {
	data := []byte(`{
		"client_id": "c1",
		"name": "Kitchen",
		"version": 1,
		"supported_roles": ["player@v1", 123, null, {"bad":true}, "artwork@v1"]
	}`)

	var decoded ClientHello
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal with mixed-type supported_roles: %v", err)
	}

	want := []string{"player@v1", "artwork@v1"}
	if len(decoded.SupportedRoles) != len(want) {
		t.Fatalf("SupportedRoles = %v, want %v", decoded.SupportedRoles, want)
	}
	for i, role := range want {
		if decoded.SupportedRoles[i] != role {
			t.Errorf("SupportedRoles[%d] = %q, want %q", i, decoded.SupportedRoles[i], role)
		}
	}
}

func TestClientHelloLegacySupportAlias(t *testing.T) {
	raw := []byte(`{
		"client_id": "c1",
		"name": "Kitchen",
		"version": 1,
		"supported_roles": ["player@v1"],
		"player_support": {"supported_formats": [{"codec":"pcm","channels":2,"sample_rate":48000,"bit_depth":16}], "buffer_capacity": 0, "supported_commands": []}
	}`)

	var hello ClientHello
	if err := json.Unmarshal(raw, &hello); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hello.PlayerSupport == nil || hello.PlayerSupport.SupportedFormats[0].Codec != "pcm" {
		t.Fatalf("legacy player_support alias not accepted: %+v", hello.PlayerSupport)
	}
}

func TestClientHelloCanonicalPreferredOverLegacy(t *testing.T) {
	raw := []byte(`{
		"client_id": "c1", "name": "n", "version": 1, "supported_roles": ["player@v1"],
		"player_support": {"supported_formats": [{"codec":"opus","channels":2,"sample_rate":48000,"bit_depth":16}], "buffer_capacity": 0, "supported_commands": []},
		"player@v1_support": {"supported_formats": [{"codec":"pcm","channels":2,"sample_rate":48000,"bit_depth":16}], "buffer_capacity": 0, "supported_commands": []}
	}`)

	var hello ClientHello
	if err := json.Unmarshal(raw, &hello); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hello.PlayerSupport.SupportedFormats[0].Codec != "pcm" {
		t.Fatalf("expected canonical key to win, got %q", hello.PlayerSupport.SupportedFormats[0].Codec)
	}
}

func TestMetadataStateAbsentNullSet(t *testing.T) {
	raw := []byte(`{"timestamp": 100, "title": "Song", "artist": null}`)

	var m MetadataState
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if v, ok := m.Title.Get(); !ok || v != "Song" {
		t.Errorf("title = %+v, want Some(Song)", m.Title)
	}
	if !m.Artist.IsNull() {
		t.Errorf("artist should be explicitly null, got %+v", m.Artist)
	}
	if !m.Album.IsAbsent() {
		t.Errorf("album should be absent, got %+v", m.Album)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]interface{}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	if _, present := back["album"]; present {
		t.Errorf("absent album field should be omitted from the wire, got %s", data)
	}
	if v, present := back["artist"]; !present || v != nil {
		t.Errorf("null artist field should round-trip as JSON null, got %s", data)
	}
}

func TestMetadataStateMergeInto(t *testing.T) {
	current := "old title"
	Null[string]().MergeInto(&current)
	if current != "" {
		t.Errorf("Null().MergeInto should clear, got %q", current)
	}

	current = "old title"
	Absent[string]().MergeInto(&current)
	if current != "old title" {
		t.Errorf("Absent().MergeInto should leave untouched, got %q", current)
	}

	current = "old title"
	Some("new title").MergeInto(&current)
	if current != "new title" {
		t.Errorf("Some().MergeInto should replace, got %q", current)
	}
}

func TestRoleFamily(t *testing.T) {
	tests := map[string]string{
		"player@v1": "player",
		"source@v1": "source",
		"metadata":  "metadata",
	}
	for role, want := range tests {
		if got := RoleFamily(role); got != want {
			t.Errorf("RoleFamily(%q) = %q, want %q", role, got, want)
		}
	}
}
