// ABOUTME: WSConn adapts a gorilla/websocket connection to the Conn interface
// ABOUTME: one writer goroutine drains a queue so concurrent sends never race the socket
package sendspin

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// pendingFrame is one queued outbound frame, text or binary.
type pendingFrame struct {
	binary bool
	data   []byte
}

// WSConn wraps a *websocket.Conn so Session and Client can depend on the
// Conn interface instead of the concrete library type. Writes are never
// called directly from caller goroutines: a single writer goroutine owns
// the socket and drains a queue, so concurrent SendText/SendBinary calls
// never race a WriteMessage call.
type WSConn struct {
	conn *websocket.Conn

	mu       sync.Mutex
	queue    []pendingFrame
	queuedSz int64
	closed   bool
	wake     chan struct{}
	done     chan struct{}
}

// NewWSConn starts the writer goroutine and returns a ready-to-use Conn.
func NewWSConn(conn *websocket.Conn) *WSConn {
	w := &WSConn{
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.writeLoop()
	return w
}

// Underlying returns the wrapped *websocket.Conn, for callers (like the
// example server's read loop) that need ReadMessage/SetReadDeadline.
func (w *WSConn) Underlying() *websocket.Conn {
	return w.conn
}

func (w *WSConn) SendText(data []byte) error {
	return w.enqueue(pendingFrame{binary: false, data: data})
}

func (w *WSConn) SendBinary(data []byte) error {
	return w.enqueue(pendingFrame{binary: true, data: data})
}

func (w *WSConn) enqueue(f pendingFrame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return websocket.ErrCloseSent
	}
	w.queue = append(w.queue, f)
	w.queuedSz += int64(len(f.data))
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *WSConn) BufferedAmount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.queuedSz)
}

func (w *WSConn) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	return w.conn.Close()
}

// CloseWithStatus sends a close frame with code/reason before closing the
// socket, used for 1008 protocol-violation closes.
func (w *WSConn) CloseWithStatus(code int, reason string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
	return w.Close()
}

func (w *WSConn) writeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		case <-w.wake:
			for {
				frame, ok := w.dequeue()
				if !ok {
					break
				}
				msgType := websocket.TextMessage
				if frame.binary {
					msgType = websocket.BinaryMessage
				}
				w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := w.conn.WriteMessage(msgType, frame.data); err != nil {
					return
				}
			}
		}
	}
}

func (w *WSConn) dequeue() (pendingFrame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return pendingFrame{}, false
	}
	frame := w.queue[0]
	w.queue = w.queue[1:]
	w.queuedSz -= int64(len(frame.data))
	return frame, true
}
