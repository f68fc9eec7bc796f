// ABOUTME: Integration test for WSConn over a real WebSocket connection
package sendspin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSConnSendTextAndBinary(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverReceived := make(chan string, 4)
	serverReceivedBin := make(chan []byte, 4)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				msgType, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if msgType == websocket.TextMessage {
					serverReceived <- string(data)
				} else if msgType == websocket.BinaryMessage {
					serverReceivedBin <- data
				}
			}
		}()
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	wsconn := NewWSConn(conn)
	defer wsconn.Close()

	if err := wsconn.SendText([]byte(`{"type":"client/hello"}`)); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := wsconn.SendBinary([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	select {
	case got := <-serverReceived:
		if got != `{"type":"client/hello"}` {
			t.Errorf("text = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for text frame")
	}

	select {
	case got := <-serverReceivedBin:
		if len(got) != 4 {
			t.Errorf("binary = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for binary frame")
	}
}

func TestWSConnCloseIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	wsconn := NewWSConn(conn)
	if err := wsconn.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := wsconn.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}

	if err := wsconn.SendText([]byte("too late")); err == nil {
		t.Error("SendText after Close should error")
	}
}
