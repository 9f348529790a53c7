package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/olafproto/relay/pkg/audit"
)

const (
	dialBackoffStart = 5 * time.Second
	dialBackoffCap   = 2 * time.Minute
)

// Dialer repeatedly connects this relay to one configured neighbour address,
// retrying forever with a bounded exponential backoff; one background
// dialer runs per configured neighbour. Grounded on the
// retry-with-backoff shape of pkg/origin.AuthMgr's Backoff hook, inlined
// here since there is exactly one caller.
type Dialer struct {
	address    string
	router     *Router
	registry   *Registry
	conns      *ConnTable
	selfHello  func() ([]byte, error) // builds this relay's server_hello frame
	log        zerolog.Logger
	nextConnID func() ConnID
}

// NewDialer builds a Dialer for one neighbour address.
func NewDialer(address string, router *Router, registry *Registry, conns *ConnTable, selfHello func() ([]byte, error), nextConnID func() ConnID, log zerolog.Logger) *Dialer {
	return &Dialer{
		address:    address,
		router:     router,
		registry:   registry,
		conns:      conns,
		selfHello:  selfHello,
		nextConnID: nextConnID,
		log:        log.With().Str("component", "dialer").Str("address", address).Logger(),
	}
}

// Run blocks, dialing address until ctx is canceled. Each successful
// connection is handed to a Connection actor and Run waits for it to close
// before redialing with a fresh backoff.
func (d *Dialer) Run(ctx context.Context) {
	backoff := dialBackoffStart

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := d.dialOnce(ctx)
		if err != nil {
			d.log.Warn().Err(err).Dur("retry_in", backoff).Msg("dial failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > dialBackoffCap {
				backoff = dialBackoffCap
			}
			continue
		}

		backoff = dialBackoffStart
		conn.Run(ctx) // blocks until the connection closes
	}
}

// dialOnce opens one websocket connection to d.address, sends server_hello
// followed immediately by client_update_request (original_source's
// connect_to_server sequence), and returns a Connection ready to Run.
func (d *Dialer) dialOnce(ctx context.Context) (*Connection, error) {
	url := "ws://" + d.address
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	ws, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}

	id := d.nextConnID()
	c := NewConnection(id, ws, d.registry, d.router.Handle, d.log)
	c.SetOnClose(d.router.HandleDisconnect)

	hello, err := d.selfHello()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	updateReq, err := EncodeClientUpdateRequest()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	if err := d.registry.AddNeighbour(id, d.address); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.setClass(ClassNeighbour)
	c.SetAddress(d.address)
	d.conns.Put(c)

	c.Send(hello, false)
	c.Send(updateReq, false)

	d.router.record(id, audit.KindConnOpened, "", "", "outbound dial")
	d.router.record(id, audit.KindConnClassified, d.address, "", "neighbour")

	d.log.Info().Msg("dialed neighbour")
	return c, nil
}
