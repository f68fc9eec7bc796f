// ABOUTME: Conn is the small transport interface Session and Client depend on
// ABOUTME: keeps the WebSocket listener/dialer wiring a caller concern, not owned by this package
package sendspin

// Conn is the minimum a Session or Client needs from an open duplex
// connection: enqueue an outbound frame, report how much is still queued
// (for the backpressure policy in session.go), and close. Reading is not
// part of this interface — a caller pumps inbound frames into
// Session.HandleText/HandleBinary or Client's read loop itself, so this
// package never owns a socket's read side either.
type Conn interface {
	// SendText enqueues a text (JSON envelope) frame. Returns an error only
	// if the connection is already closed or closing.
	SendText(data []byte) error

	// SendBinary enqueues a binary frame.
	SendBinary(data []byte) error

	// BufferedAmount reports the approximate number of bytes currently
	// queued for send but not yet written to the underlying transport.
	BufferedAmount() int

	// Close closes the connection. Idempotent.
	Close() error

	// CloseWithStatus sends a WebSocket close frame carrying code and
	// reason, then closes the underlying connection. Used by Session to
	// terminate a connection with one of the 1008 protocol-violation
	// reasons.
	CloseWithStatus(code int, reason string) error
}
