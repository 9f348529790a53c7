package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// allowAll is a Neighbourhood that accepts any address, for tests that
// don't care about the allow-list.
type allowAll struct{}

func (allowAll) Allowed(string) bool { return true }

type allowOnly map[string]bool

func (a allowOnly) Allowed(addr string) bool { return a[addr] }

func newTestRouter(self string, nh Neighbourhood) (*Router, *Registry, *ConnTable) {
	registry := NewRegistry()
	conns := NewConnTable()
	if nh == nil {
		nh = allowAll{}
	}
	return NewRouter(registry, conns, nh, self, zerolog.Nop()), registry, conns
}

func newTestConn(id ConnID) *Connection {
	return &Connection{
		ID:     id,
		log:    zerolog.Nop(),
		outbox: make(chan outboundItem, outboundQueueCap),
		closed: make(chan struct{}),
	}
}

func drainOne(t *testing.T, c *Connection) []byte {
	t.Helper()
	select {
	case item := <-c.outbox:
		return item.payload
	default:
		t.Fatal("expected a queued frame, found none")
		return nil
	}
}

func mustFrame(t *testing.T, raw string) *Frame {
	t.Helper()
	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("ParseFrame(%s): %v", raw, err)
	}
	return f
}

// TestS1SingleRelayHelloAndList covers a single relay accepting a hello and replying with a client_list.
func TestS1SingleRelayHelloAndList(t *testing.T) {
	rt, _, _ := newTestRouter("R", nil)

	c1 := newTestConn(1)
	hello := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K1"},"counter":1,"signature":""}`)
	if err := rt.Handle(c1, hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	// hello triggers a client_update gossip (no neighbours, no-op) and a
	// client_list broadcast to c1 itself.
	drainOne(t, c1)

	req := mustFrame(t, `{"type":"client_list_request"}`)
	if err := rt.Handle(c1, req); err != nil {
		t.Fatalf("client_list_request: %v", err)
	}
	respPayload := drainOne(t, c1)

	var resp struct {
		Type    string        `json:"type"`
		Servers []ServerEntry `json:"servers"`
	}
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("unmarshal client_list: %v", err)
	}
	if resp.Type != "client_list" || len(resp.Servers) != 1 {
		t.Fatalf("client_list = %+v, want one server entry", resp)
	}
	if resp.Servers[0].Address != "R" || len(resp.Servers[0].Clients) != 1 || resp.Servers[0].Clients[0] != "K1" {
		t.Fatalf("server entry = %+v, want {R, [K1]}", resp.Servers[0])
	}
}

// TestS4Replay covers a replayed counter being rejected.
func TestS4Replay(t *testing.T) {
	rt, _, _ := newTestRouter("R", nil)
	c1 := newTestConn(1)

	hello := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K1"},"counter":5,"signature":""}`)
	if err := rt.Handle(c1, hello); err != nil {
		t.Fatalf("first hello: %v", err)
	}
	drainOne(t, c1) // client_list broadcast from the first hello

	again := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K1"},"counter":5,"signature":""}`)
	err := rt.Handle(c1, again)
	if !errors.Is(err, ErrReplay) {
		t.Fatalf("second frame with counter=5: got %v, want ErrReplay", err)
	}
}

// TestS3DirectedChat covers directed chat delivery across two relays.
func TestS3DirectedChat(t *testing.T) {
	rtR1, _, _ := newTestRouter("R1", allowOnly{"R2": true})

	c1 := newTestConn(1) // client on R1
	hello := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K1"},"counter":1,"signature":""}`)
	if err := rtR1.Handle(c1, hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	drainOne(t, c1) // client_list broadcast

	n2 := newTestConn(2) // neighbour connection to R2
	sh := mustFrame(t, `{"type":"signed_data","data":{"type":"server_hello","sender":"R2"},"counter":1,"signature":""}`)
	if err := rtR1.Handle(n2, sh); err != nil {
		t.Fatalf("server_hello: %v", err)
	}

	chat := mustFrame(t, `{"type":"signed_data","data":{"type":"chat","destination_servers":["R2"],"iv":"x","symm_keys":["y"],"chat":"z"},"counter":2,"signature":""}`)
	if err := rtR1.Handle(c1, chat); err != nil {
		t.Fatalf("chat: %v", err)
	}

	forwarded := drainOne(t, n2)
	if string(forwarded) != string(chat.Raw) {
		t.Fatalf("forwarded frame = %s, want verbatim original %s", forwarded, chat.Raw)
	}

	select {
	case <-c1.outbox:
		t.Fatal("originating client c1 should not receive its own chat frame back")
	default:
	}
}

// TestS2PublicChatNoEcho covers the loop-prevention rule for public_chat.
func TestS2PublicChatNoEcho(t *testing.T) {
	rt, _, _ := newTestRouter("R1", allowOnly{"R2": true})

	c1 := newTestConn(1)
	hello := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K1"},"counter":1,"signature":""}`)
	if err := rt.Handle(c1, hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	drainOne(t, c1)

	n2 := newTestConn(2)
	sh := mustFrame(t, `{"type":"signed_data","data":{"type":"server_hello","sender":"R2"},"counter":1,"signature":""}`)
	if err := rt.Handle(n2, sh); err != nil {
		t.Fatalf("server_hello: %v", err)
	}

	pub := mustFrame(t, `{"type":"signed_data","data":{"type":"public_chat","sender":"fpK1","message":"hi"},"counter":2,"signature":""}`)
	if err := rt.Handle(n2, pub); err != nil {
		t.Fatalf("public_chat from neighbour: %v", err)
	}

	// c1, a local client, should receive it once.
	drainOne(t, c1)

	// n2, the neighbour that sent it, must not receive it back.
	select {
	case <-n2.outbox:
		t.Fatal("public_chat echoed back to originating neighbour")
	default:
	}
}

func TestClientListRequestBeforeHelloIsViolation(t *testing.T) {
	rt, _, _ := newTestRouter("R", nil)
	c1 := newTestConn(1)

	req := mustFrame(t, `{"type":"client_list_request"}`)
	err := rt.Handle(c1, req)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("client_list_request before hello: got %v, want ErrProtocolViolation", err)
	}
}

func TestDuplicateHelloRejected(t *testing.T) {
	rt, _, _ := newTestRouter("R", nil)
	c1 := newTestConn(1)

	hello := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K1"},"counter":1,"signature":""}`)
	if err := rt.Handle(c1, hello); err != nil {
		t.Fatalf("first hello: %v", err)
	}
	drainOne(t, c1)

	hello2 := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K2"},"counter":2,"signature":""}`)
	err := rt.Handle(c1, hello2)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("second hello on same conn: got %v, want ErrProtocolViolation", err)
	}
}

func TestUnconfiguredNeighbourAddressRejected(t *testing.T) {
	rt, _, _ := newTestRouter("R1", allowOnly{"R2": true})
	n := newTestConn(1)

	sh := mustFrame(t, `{"type":"signed_data","data":{"type":"server_hello","sender":"R3"},"counter":1,"signature":""}`)
	err := rt.Handle(n, sh)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("server_hello from unconfigured address: got %v, want ErrProtocolViolation", err)
	}
}

func TestChatEmptyDestinationsIsNoOp(t *testing.T) {
	rt, _, _ := newTestRouter("R", nil)
	c1 := newTestConn(1)
	hello := mustFrame(t, `{"type":"signed_data","data":{"type":"hello","public_key":"K1"},"counter":1,"signature":""}`)
	if err := rt.Handle(c1, hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	drainOne(t, c1)

	chat := mustFrame(t, `{"type":"signed_data","data":{"type":"chat","destination_servers":[],"iv":"x","symm_keys":[],"chat":"z"},"counter":2,"signature":""}`)
	if err := rt.Handle(c1, chat); err != nil {
		t.Fatalf("chat with empty destinations: %v", err)
	}
	select {
	case <-c1.outbox:
		t.Fatal("expected no frame sent for empty destination_servers")
	default:
	}
}
