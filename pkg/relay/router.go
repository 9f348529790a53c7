package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/olafproto/relay/pkg/audit"
)

// ConnTable maps a ConnID back to its live *Connection. The Registry only
// ever hands out identity keys and addresses; whenever the Router needs to
// actually write to a peer it looks the transport up here. Kept separate
// from the Registry because the table's lifecycle is purely mechanical
// (added on accept, removed on close) and carries no routing semantics.
type ConnTable struct {
	mu   sync.RWMutex
	byID map[ConnID]*Connection
}

// NewConnTable returns an empty ConnTable.
func NewConnTable() *ConnTable {
	return &ConnTable{byID: make(map[ConnID]*Connection)}
}

// Put registers a connection.
func (t *ConnTable) Put(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[c.ID] = c
}

// Remove drops a connection's entry.
func (t *ConnTable) Remove(id ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// Get returns the connection for id, if still present.
func (t *ConnTable) Get(id ConnID) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	return c, ok
}

// Neighbourhood reports which addresses this relay expects a server_hello
// from. Implemented by pkg/neighbourhood.Map; declared here as an interface
// so pkg/relay doesn't need to import its loader.
type Neighbourhood interface {
	Allowed(address string) bool
}

// Router implements the dispatch rules for hello, server_hello,
// chat, public_chat, client_list_request, client_update, and
// client_update_request. It is stateless between calls; all state lives in
// the Registry and ConnTable it's given.
type Router struct {
	registry      *Registry
	conns         *ConnTable
	neighbourhood Neighbourhood
	selfAddress   string
	log           zerolog.Logger
	journal       *audit.DB
}

// SetJournal attaches an audit journal the Router will append routing
// events to. Optional: a nil journal (the default) makes every audit call a
// no-op, so the relay runs the same whether or not OLAF_AUDIT_DB is set.
func (rt *Router) SetJournal(j *audit.DB) {
	rt.journal = j
}

func (rt *Router) record(connID ConnID, kind audit.Kind, address, identity, detail string) {
	if rt.journal == nil {
		return
	}
	if err := rt.journal.Append(context.Background(), time.Now(), uint64(connID), kind, address, identity, detail); err != nil {
		rt.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to append audit event")
	}
}

// NewRouter builds a Router. selfAddress is this relay's own "host:port",
// used both to recognize chat frames destined for local clients and to
// label this relay's entry in client_list responses.
func NewRouter(registry *Registry, conns *ConnTable, neighbourhood Neighbourhood, selfAddress string, log zerolog.Logger) *Router {
	return &Router{
		registry:      registry,
		conns:         conns,
		neighbourhood: neighbourhood,
		selfAddress:   selfAddress,
		log:           log.With().Str("component", "router").Logger(),
	}
}

// Handle is the FrameHandler the Supervisor wires into every Connection.
func (rt *Router) Handle(c *Connection, f *Frame) error {
	switch f.Type {
	case FrameSignedData:
		return rt.handleSignedData(c, f)
	case FrameClientListRequest:
		return rt.handleClientListRequest(c, f)
	case FrameClientUpdate:
		return rt.handleClientUpdate(c, f)
	case FrameClientUpdateRequest:
		return rt.handleClientUpdateRequest(c, f)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, f.Type)
	}
}

func (rt *Router) handleSignedData(c *Connection, f *Frame) error {
	if err := c.checkCounter(f.Counter); err != nil {
		rt.record(c.ID, audit.KindReplayRejected, c.Address(), "", fmt.Sprintf("counter %d", f.Counter))
		return err
	}

	switch f.DataType {
	case DataHello:
		return rt.handleHello(c, f)
	case DataServerHello:
		return rt.handleServerHello(c, f)
	case DataChat:
		return rt.handleChat(c, f)
	case DataPublicChat:
		return rt.handlePublicChat(c, f)
	default:
		return fmt.Errorf("%w: data.type %s", ErrUnknownType, f.DataType)
	}
}

// handleHello implements the Unregistered → Client transition.
func (rt *Router) handleHello(c *Connection, f *Frame) error {
	if c.Classify() != Unregistered {
		return fmt.Errorf("%w: hello on a classified connection", ErrProtocolViolation)
	}
	hello, err := f.DecodeHello()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id := NewIdentity([]byte(hello.PublicKey))
	if err := rt.registry.AddClient(c.ID, id); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	c.setClass(ClassClient)
	c.SetIdentity(id)
	rt.conns.Put(c)

	clients, neighbours := rt.registry.ConnCounts()
	Metrics().clientsConnected.Set(float64(clients))
	Metrics().neighboursConnected.Set(float64(neighbours))
	Metrics().connectionsAcceptedTotal.Inc()
	Metrics().framesRoutedTotal.hello.Inc()

	rt.log.Info().Str("fingerprint", id.Fingerprint()).Msg("client connected")
	rt.record(c.ID, audit.KindConnClassified, "", id.Fingerprint(), "client")

	rt.gossipClientUpdateToNeighbours()
	rt.broadcastClientList()
	return nil
}

// handleServerHello implements the Unregistered → Neighbour transition.
func (rt *Router) handleServerHello(c *Connection, f *Frame) error {
	if c.Classify() != Unregistered {
		return fmt.Errorf("%w: server_hello on a classified connection", ErrProtocolViolation)
	}
	sh, err := f.DecodeServerHello()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	address := stripScheme(sh.Sender)
	if !rt.neighbourhood.Allowed(address) {
		return fmt.Errorf("%w: unconfigured neighbour address %q", ErrProtocolViolation, address)
	}

	if err := rt.registry.AddNeighbour(c.ID, address); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	c.setClass(ClassNeighbour)
	c.SetAddress(address)
	rt.conns.Put(c)

	clients, neighbours := rt.registry.ConnCounts()
	Metrics().clientsConnected.Set(float64(clients))
	Metrics().neighboursConnected.Set(float64(neighbours))
	Metrics().connectionsAcceptedTotal.Inc()
	Metrics().framesRoutedTotal.server_hello.Inc()

	rt.log.Info().Str("address", address).Msg("neighbour connected")
	rt.record(c.ID, audit.KindConnClassified, address, "", "neighbour")
	return nil
}

// handleClientListRequest replies with the full client_list.
func (rt *Router) handleClientListRequest(c *Connection, f *Frame) error {
	if c.Classify() == Unregistered {
		return fmt.Errorf("%w: client_list_request before classification", ErrProtocolViolation)
	}
	Metrics().framesRoutedTotal.list_request.Inc()

	payload, err := EncodeClientList(rt.buildServerList())
	if err != nil {
		return err
	}
	c.Send(payload, false)
	return nil
}

// handleClientUpdate handles a neighbour reporting its
// local roster, triggering a client_list broadcast to every local client.
func (rt *Router) handleClientUpdate(c *Connection, f *Frame) error {
	if c.Classify() != ClassNeighbour {
		return fmt.Errorf("%w: client_update from a non-neighbour", ErrProtocolViolation)
	}
	Metrics().framesRoutedTotal.client_update.Inc()

	roster := make([]Identity, len(f.Clients))
	for i, k := range f.Clients {
		roster[i] = Identity(k)
	}
	if err := rt.registry.UpdateNeighbourRoster(c.ID, roster); err != nil {
		return err
	}
	rt.broadcastClientList()
	return nil
}

// handleClientUpdateRequest replies with this
// relay's own client roster. No classification precondition — a neighbour
// asks for this immediately after its server_hello, before this relay has
// seen a client_update from it.
func (rt *Router) handleClientUpdateRequest(c *Connection, f *Frame) error {
	Metrics().framesRoutedTotal.update_request.Inc()

	payload, err := EncodeClientUpdate(rt.registry.LocalClientIdentities())
	if err != nil {
		return err
	}
	c.Send(payload, false)
	return nil
}

// handleChat implements directed delivery to the servers
// named in destination_servers. Forwarded byte-for-bytes (f.Raw), never
// re-encoded.
func (rt *Router) handleChat(c *Connection, f *Frame) error {
	if c.Classify() == Unregistered {
		return fmt.Errorf("%w: chat before classification", ErrProtocolViolation)
	}
	chat, err := f.DecodeChat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	Metrics().framesRoutedTotal.chat.Inc()

	for _, dest := range chat.DestinationServers {
		dest = stripScheme(dest)
		switch {
		case dest == rt.selfAddress:
			rt.sendToAllClients(f.Raw, true)
			rt.record(c.ID, audit.KindChatRouted, dest, "", "delivered to local clients")
		default:
			conn, ok := rt.neighbourByAddress(dest)
			if !ok {
				Metrics().framesDroppedTotal.routing_miss.Inc()
				rt.log.Warn().Str("destination", dest).Msg("chat named unknown destination server")
				rt.record(c.ID, audit.KindChatRoutingMiss, dest, "", "unknown destination server")
				continue
			}
			if conn.ID == c.ID {
				// Never send back to the neighbour we received this from.
				continue
			}
			conn.Send(f.Raw, true)
			rt.record(c.ID, audit.KindChatRouted, dest, "", "forwarded to neighbour")
		}
	}
	return nil
}

// handlePublicChat implements full-mesh broadcast with
// one-hop loop prevention (never echoed back to the sending neighbour).
func (rt *Router) handlePublicChat(c *Connection, f *Frame) error {
	if c.Classify() == Unregistered {
		return fmt.Errorf("%w: public_chat before classification", ErrProtocolViolation)
	}
	if _, err := f.DecodePublicChat(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	Metrics().framesRoutedTotal.public_chat.Inc()

	rt.sendToAllClients(f.Raw, true)

	for _, n := range rt.registry.Neighbours() {
		if n == c.ID {
			continue
		}
		if conn, ok := rt.conns.Get(n); ok {
			conn.Send(f.Raw, true)
		}
	}
	return nil
}

// HandleDisconnect reacts to a connection going away: drops it from the
// ConnTable and, if it was a classified client, re-gossips this relay's
// roster so neighbours and local clients see the departure. Wired as every
// Connection's onClose callback by the Supervisor and the Dialer.
func (rt *Router) HandleDisconnect(id ConnID, rm Removal) {
	rt.conns.Remove(id)

	clients, neighbours := rt.registry.ConnCounts()
	Metrics().clientsConnected.Set(float64(clients))
	Metrics().neighboursConnected.Set(float64(neighbours))

	rt.record(id, audit.KindConnClosed, "", "", rm.Was.String())

	switch rm.Was {
	case ClassClient:
		rt.gossipClientUpdateToNeighbours()
		rt.broadcastClientList()
	case ClassNeighbour:
		rt.broadcastClientList()
	}
}

// buildServerList assembles the full client_list view: every neighbour's
// last-reported roster plus this relay's own directly attached clients.
func (rt *Router) buildServerList() []ServerEntry {
	snap := rt.registry.SnapshotRoster()
	servers := make([]ServerEntry, 0, len(snap)+1)
	for _, entry := range snap {
		servers = append(servers, ServerEntry{
			Address: entry.Address,
			Clients: identitiesToStrings(entry.Clients),
		})
	}
	servers = append(servers, ServerEntry{
		Address: rt.selfAddress,
		Clients: identitiesToStrings(rt.registry.LocalClientIdentities()),
	})
	return servers
}

// broadcastClientList sends the full server list to every local client
// Any roster change fans out to local clients.
func (rt *Router) broadcastClientList() {
	payload, err := EncodeClientList(rt.buildServerList())
	if err != nil {
		rt.log.Error().Err(err).Msg("failed to encode client_list")
		return
	}
	rt.sendToAllClients(payload, false)
}

// gossipClientUpdateToNeighbours reports this relay's own client roster to
// every attached neighbour.
func (rt *Router) gossipClientUpdateToNeighbours() {
	payload, err := EncodeClientUpdate(rt.registry.LocalClientIdentities())
	if err != nil {
		rt.log.Error().Err(err).Msg("failed to encode client_update")
		return
	}
	for _, n := range rt.registry.Neighbours() {
		if conn, ok := rt.conns.Get(n); ok {
			conn.Send(payload, false)
		}
	}
}

// sendToAllClients writes payload to every locally attached client. The
// registry snapshot is taken under its own lock and released before any
// send, per the registry's fan-out discipline.
func (rt *Router) sendToAllClients(payload []byte, isChat bool) {
	for _, cid := range rt.registry.LocalClients() {
		if conn, ok := rt.conns.Get(cid); ok {
			conn.Send(payload, isChat)
		}
	}
}

func (rt *Router) neighbourByAddress(addr string) (*Connection, bool) {
	cid, ok := rt.registry.NeighbourByAddress(addr)
	if !ok {
		return nil, false
	}
	return rt.conns.Get(cid)
}

func identitiesToStrings(ids []Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// stripScheme removes a leading ws:// or wss:// from a neighbour address,
// matching how OLAF servers historically listed destination_servers and
// sender fields with a scheme prefix (original_source's OlafServer.py).
func stripScheme(addr string) string {
	switch {
	case strings.HasPrefix(addr, "wss://"):
		return addr[len("wss://"):]
	case strings.HasPrefix(addr, "ws://"):
		return addr[len("ws://"):]
	default:
		return addr
	}
}
