package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// keepaliveInterval and keepaliveTimeout implement the liveness
	// requirement: a ping every 20s, close if no pong within 10s.
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 10 * time.Second

	// outboundQueueCap bounds the per-connection send buffer. Sized
	// generously since client rosters are small and
	// chat volume per connection is bursty, not sustained.
	outboundQueueCap = 256

	// drainDeadline bounds how long Close waits for the outbound queue to
	// flush before the transport is torn down.
	drainDeadline = 2 * time.Second
)

// FrameHandler processes one inbound frame for a connection. Returning an
// error that wraps ErrProtocolViolation or ErrMalformed causes the
// connection to send an error frame; ErrReplay and ErrRoutingMiss are
// dropped silently by convention of the caller.
type FrameHandler func(c *Connection, f *Frame) error

// outboundItem is one queued frame, tagged so the overflow policy can tell
// chat traffic from coalescable roster updates.
type outboundItem struct {
	payload []byte
	isChat  bool
}

// Connection binds one transport stream. It owns the
// websocket connection exclusively: only its own writer goroutine calls
// ws.WriteMessage, enforcing the single-writer guarantee for data frames.
// Ping and close control frames go through ws.WriteControl, which
// gorilla/websocket allows concurrently with the writer.
type Connection struct {
	ID  ConnID
	ws  *websocket.Conn
	log zerolog.Logger

	registry *Registry
	handle   FrameHandler

	// class is set exactly once, on the Unregistered → Client|Neighbour
	// transition.
	class int32 // atomic ConnClass

	// address is the neighbourhood address this connection was dialed to
	// or accepted as. Empty for client connections.
	address string

	// identity is the client's public key, set once on classification as
	// a client. Empty for neighbour connections, which are addressed by
	// address instead.
	identity Identity

	// lastCounter is the replay-protection watermark for this connection.
	// Counters are monotonic per connection, not globally.
	// Only the read loop goroutine touches it, so it needs no locking.
	lastCounter int64

	outbox    chan outboundItem
	closeOnce sync.Once
	closed    chan struct{}

	pongDeadline atomic.Int64 // unix nanos; read/written only by the keepalive goroutine and the pong handler

	// onClose, if set, is invoked once after unregister with whatever
	// Removal the registry reported. Lets the Supervisor clean up the
	// ConnTable and the Router re-gossip a roster change without the
	// Connection needing to know about either.
	onClose func(ConnID, Removal)
}

// SetOnClose installs a callback run once, after this connection's Run loop
// has fully unwound and unregistered it from the Registry.
func (c *Connection) SetOnClose(fn func(ConnID, Removal)) {
	c.onClose = fn
}

// NewConnection wraps an already-upgraded websocket connection. The caller
// must start Run in its own goroutine.
func NewConnection(id ConnID, ws *websocket.Conn, registry *Registry, handle FrameHandler, log zerolog.Logger) *Connection {
	c := &Connection{
		ID:       id,
		ws:       ws,
		log:      log.With().Uint64("conn_id", uint64(id)).Str("remote_addr", ws.RemoteAddr().String()).Logger(),
		registry: registry,
		handle:   handle,
		outbox:   make(chan outboundItem, outboundQueueCap),
		closed:   make(chan struct{}),
	}
	c.class = int32(Unregistered)
	return c
}

// Classify reports the connection's current class.
func (c *Connection) Classify() ConnClass {
	return ConnClass(atomic.LoadInt32(&c.class))
}

// setClass performs the one-way Unregistered → Client|Neighbour transition.
// Returns false if the connection was already classified.
func (c *Connection) setClass(class ConnClass) bool {
	return atomic.CompareAndSwapInt32(&c.class, int32(Unregistered), int32(class))
}

// SetAddress records the neighbourhood address backing a Neighbour
// connection, for logging and dial-side reconnection bookkeeping.
func (c *Connection) SetAddress(addr string) { c.address = addr }

// Address returns the neighbourhood address, or "" for client connections.
func (c *Connection) Address() string { return c.address }

// SetIdentity records the client's public key on classification as a client.
func (c *Connection) SetIdentity(id Identity) { c.identity = id }

// Identity returns the client's public key, or "" for neighbour connections.
func (c *Connection) Identity() Identity { return c.identity }

// checkCounter applies the replay rule: the first signed_data
// frame on a still-unregistered connection always initializes the
// watermark; afterward a counter must strictly exceed the stored value.
func (c *Connection) checkCounter(counter int64) error {
	if c.Classify() == Unregistered {
		c.lastCounter = counter
		return nil
	}
	if counter <= c.lastCounter {
		return ErrReplay
	}
	c.lastCounter = counter
	return nil
}

// Send enqueues a frame for delivery. Non-blocking: if the outbound queue
// is full, the overflow policy applies depending on class.
func (c *Connection) Send(payload []byte, isChat bool) {
	item := outboundItem{payload: payload, isChat: isChat}

	select {
	case c.outbox <- item:
		return
	default:
	}

	switch c.Classify() {
	case ClassNeighbour:
		// Overflow on a neighbour link: close it. The dialer reconnects.
		Metrics().outboundQueueDroppedTotal.Inc()
		c.log.Warn().Msg("outbound queue full on neighbour link, closing")
		c.Close("outbound queue overflow")
	default:
		// Client overflow: drop the oldest non-chat frame first, since
		// roster updates are coalesceable; retry once.
		if c.dropOldestNonChat() {
			select {
			case c.outbox <- item:
				return
			default:
			}
		}
		if isChat {
			// Still can't queue a chat frame after making room: close.
			Metrics().outboundQueueDroppedTotal.Inc()
			c.log.Warn().Msg("outbound queue full for client, dropping chat frame and closing")
			c.Close("outbound queue overflow")
			return
		}
		// Dropping this non-chat frame is itself the relief valve.
		Metrics().outboundQueueDroppedTotal.Inc()
	}
}

// dropOldestNonChat removes the oldest non-chat item from the queue to make
// room, reports whether it found one to drop.
func (c *Connection) dropOldestNonChat() bool {
	var buf []outboundItem
	dropped := false
drain:
	for {
		select {
		case item := <-c.outbox:
			if !dropped && !item.isChat {
				dropped = true
				continue
			}
			buf = append(buf, item)
		default:
			break drain
		}
	}
	for _, item := range buf {
		select {
		case c.outbox <- item:
		default:
			// Queue refilled by a concurrent Send. A lost roster update is
			// coalescable; a lost chat frame closes the connection, as in Send.
			if item.isChat {
				c.Close("outbound queue overflow")
			}
		}
	}
	return dropped
}

// Run drives the connection until the transport closes or ctx is canceled.
// It starts the writer and keepalive loops and blocks in the read loop.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); c.keepaliveLoop(ctx) }()

	c.readLoop(ctx)
	cancel()
	wg.Wait()
	rm := c.unregister()
	if c.onClose != nil {
		c.onClose(c.ID, rm)
	}
}

// readLoop emits one decoded frame per iteration: it never
// decodes two frames concurrently on this connection.
func (c *Connection) readLoop(ctx context.Context) {
	c.ws.SetPongHandler(func(string) error {
		c.pongDeadline.Store(time.Now().Add(keepaliveInterval + keepaliveTimeout).UnixNano())
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				c.log.Debug().Err(err).Msg("read loop terminating")
			}
			return
		}

		frame, err := ParseFrame(raw)
		if err != nil {
			c.handleFrameError(err)
			continue
		}
		if err := c.handle(c, frame); err != nil {
			c.handleFrameError(err)
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// handleFrameError applies the recovery policy: malformed and
// protocol-violation frames get an error reply, replay and routing-miss
// failures are silent, and a protocol violation also closes the connection,
// whatever its class.
func (c *Connection) handleFrameError(err error) {
	switch {
	case errors.Is(err, ErrReplay):
		Metrics().framesDroppedTotal.replay.Inc()
		return
	case errors.Is(err, ErrRoutingMiss):
		Metrics().framesDroppedTotal.routing_miss.Inc()
		return
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownType):
		Metrics().framesDroppedTotal.malformed.Inc()
		c.Send(EncodeError(err.Error()), false)
	case errors.Is(err, ErrProtocolViolation):
		Metrics().framesDroppedTotal.violation.Inc()
		c.Send(EncodeError(err.Error()), false)
		c.Close("protocol violation")
	default:
		c.log.Warn().Err(err).Msg("unhandled frame error")
	}
}

// writeLoop is the connection's sole writer goroutine.
func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case item := <-c.outbox:
			if err := c.ws.WriteMessage(websocket.TextMessage, item.payload); err != nil {
				c.log.Debug().Err(err).Msg("write failed, closing")
				c.Close("write error")
				return
			}
		case <-ctx.Done():
			c.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes whatever remains in the outbound queue within
// drainDeadline, then closes the connection with a normal-closure reason.
// On shutdown this is what ends the read loop.
func (c *Connection) drainAndClose() {
	deadline := time.After(drainDeadline)
	for {
		select {
		case item := <-c.outbox:
			_ = c.ws.WriteMessage(websocket.TextMessage, item.payload)
		case <-deadline:
			c.Close("shutting down")
			return
		}
	}
}

// keepaliveLoop pings every keepaliveInterval and terminates the connection
// if no pong arrives within keepaliveTimeout of a ping.
func (c *Connection) keepaliveLoop(ctx context.Context) {
	c.pongDeadline.Store(time.Now().Add(keepaliveInterval + keepaliveTimeout).UnixNano())

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	var pingSent time.Time
	var pongWait <-chan time.Time
	for {
		select {
		case <-ticker.C:
			pingSent = time.Now()
			_ = c.ws.WriteControl(websocket.PingMessage, nil, pingSent.Add(keepaliveTimeout))
			pongWait = time.After(keepaliveTimeout)
		case <-pongWait:
			pongWait = nil
			// The pong handler moves pongDeadline past this mark only for a
			// pong received after pingSent.
			if c.pongDeadline.Load() <= pingSent.Add(keepaliveInterval+keepaliveTimeout).UnixNano() {
				c.log.Warn().Msg("keepalive timeout, closing")
				c.Close("keepalive timeout")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close terminates the connection. Idempotent: only the first call has
// effect. Close does not touch the Registry itself: closing the transport
// ends the read loop, and Run then unregisters the connection and calls
// onClose, so the registry record can still exist when Close returns.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// unregister removes this connection's registry record, if any, and
// reports what was removed so the Router can decide whether to gossip.
func (c *Connection) unregister() Removal {
	rm := c.registry.RemoveConn(c.ID)
	clients, neighbours := c.registry.ConnCounts()
	Metrics().clientsConnected.Set(float64(clients))
	Metrics().neighboursConnected.Set(float64(neighbours))
	Metrics().connectionsClosedTotal.Inc()
	return rm
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
