// ABOUTME: Core Sendspin protocol implementation: both endpoints
// ABOUTME: Binary framing, the Kalman time filter, and the session/client state machines
// Package sendspin implements both endpoints of the Sendspin protocol: a
// server-side Session/SessionRegistry that drives one connection's
// handshake and streaming lifecycle, and a peer-side Client that dials a
// server, negotiates roles, keeps its clock locked to the server's via a
// 2-D Kalman filter, and dispatches audio/artwork/visualizer frames.
//
// This package never opens a socket itself — Session and Client both work
// against the small Conn interface in transport.go, so the WebSocket
// listener/dialer wiring stays a caller concern. WSConn adapts a
// *websocket.Conn to Conn; cmd/sendspin-server and cmd/sendspin-play show
// the wiring end to end.
//
// Example server side:
//
//	registry := sendspin.NewRegistry(sendspin.RegistryConfig{ServerName: "Kitchen Hub"})
//	sess := registry.Accept(conn, connMeta)
//	// feed inbound frames as they arrive:
//	sess.HandleText(data)
//	sess.HandleBinary(data)
//
// Example client side:
//
//	c, err := sendspin.NewClient("c1", "Kitchen", []string{"player"}, sendspin.ClientOptions{
//	    PlayerSupport: &protocol.PlayerV1Support{...},
//	})
//	err = c.Connect(ctx, "ws://host:8927/sendspin", 10000) // timeout in ms
package sendspin
