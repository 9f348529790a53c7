package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// dialPair spins up an httptest server that upgrades one websocket connection
// per accept and wraps it in a Connection driven by handle. It returns the
// server-side Connection (already running) and a client-side *websocket.Conn
// the test can use to exchange frames.
func dialPair(t *testing.T, handle FrameHandler) (*Connection, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	registry := NewRegistry()

	var serverConn *Connection
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn = NewConnection(1, ws, registry, handle, zerolog.Nop())
		close(ready)
		serverConn.Run(context.Background())
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	<-ready

	cleanup := func() {
		client.Close()
		srv.Close()
	}
	return serverConn, client, cleanup
}

func TestConnectionEchoesFrame(t *testing.T) {
	received := make(chan *Frame, 1)
	handle := func(c *Connection, f *Frame) error {
		received <- f
		reply, _ := EncodeClientListRequest()
		c.Send(reply, false)
		return nil
	}

	_, client, cleanup := dialPair(t, wrapHandle(handle))
	defer cleanup()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_list_request"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != FrameClientListRequest {
			t.Fatalf("got frame type %q, want client_list_request", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(msg) != `{"type":"client_list_request"}` {
		t.Fatalf("reply = %s, want client_list_request echo", msg)
	}
}

func TestConnectionMalformedFrameGetsErrorReply(t *testing.T) {
	handle := func(c *Connection, f *Frame) error { return nil }

	_, client, cleanup := dialPair(t, handle)
	defer cleanup()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if len(msg) == 0 {
		t.Fatal("expected non-empty error frame")
	}
}

func TestConnectionClassifyStartsUnregistered(t *testing.T) {
	handle := func(c *Connection, f *Frame) error { return nil }
	server, _, cleanup := dialPair(t, handle)
	defer cleanup()

	if got := server.Classify(); got != Unregistered {
		t.Fatalf("Classify() = %v, want Unregistered", got)
	}
}

func TestConnectionSetClassOneWay(t *testing.T) {
	c := &Connection{}
	if !c.setClass(ClassClient) {
		t.Fatal("first setClass should succeed")
	}
	if c.setClass(ClassNeighbour) {
		t.Fatal("second setClass should fail, transitions are one-way")
	}
	if got := c.Classify(); got != ClassClient {
		t.Fatalf("Classify() = %v, want ClassClient", got)
	}
}

// wrapHandle converts a plain handler func to a FrameHandler; it adds no
// behaviour of its own.
func wrapHandle(fn func(c *Connection, f *Frame) error) FrameHandler {
	return fn
}
