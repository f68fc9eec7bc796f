// ABOUTME: Sendspin wire protocol message schema
// ABOUTME: Defines the JSON envelope, role/enum vocabulary, and payload contracts
// Package protocol defines the Sendspin wire protocol: the JSON envelope
// every control message travels in, the role and enum vocabulary, and the
// payload structs for each message type.
//
// It does not open a connection or decode binary audio frames — see
// pkg/sendspin for the session/client state machines that do, and
// pkg/sendspin's BinaryHeader for the 9-byte frame header.
//
// Example:
//
//	env := protocol.Envelope{Type: "client/hello", Payload: hello}
//	data, err := json.Marshal(env)
package protocol
