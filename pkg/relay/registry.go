package relay

import (
	"sync"
)

// ConnClass tags how a connection has been classified. A connection starts
// Unregistered and moves to exactly one of Client or Neighbour, never back.
type ConnClass int

const (
	Unregistered ConnClass = iota
	ClassClient
	ClassNeighbour
)

func (c ConnClass) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassNeighbour:
		return "neighbour"
	default:
		return "unregistered"
	}
}

// ConnID identifies a connection within this process, independent of its
// remote identity. Assigned by the Supervisor's nextConnID at accept or dial
// time and passed to NewConnection.
type ConnID uint64

// clientRecord is what the Registry tracks for a locally attached client.
type clientRecord struct {
	conn ConnID
	id   Identity
}

// neighbourRecord is what the Registry tracks for a locally attached
// neighbour server, plus the last roster it reported via client_update.
type neighbourRecord struct {
	conn    ConnID
	address string
	roster  []Identity
}

// Registry is the sole arbiter of connection membership. All
// mutating methods take the registry's lock; long or blocking work (writing
// to a connection) must happen after the lock is released, using a snapshot
// returned from a read method.
type Registry struct {
	mu sync.RWMutex

	classes map[ConnID]ConnClass

	clientsByConn map[ConnID]*clientRecord
	clientsByID   map[Identity]ConnID

	neighboursByConn    map[ConnID]*neighbourRecord
	neighboursByAddress map[string]ConnID
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		classes:             make(map[ConnID]ConnClass),
		clientsByConn:       make(map[ConnID]*clientRecord),
		clientsByID:         make(map[Identity]ConnID),
		neighboursByConn:    make(map[ConnID]*neighbourRecord),
		neighboursByAddress: make(map[string]ConnID),
	}
}

// AddClient classifies conn as a client with the given identity. Fails with
// ErrDuplicateConn if conn is already classified. Multiple distinct
// connections may share the same Identity; client identities are not
// required to be unique within a relay.
func (r *Registry) AddClient(conn ConnID, id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.classes[conn]; ok {
		return ErrDuplicateConn
	}
	r.classes[conn] = ClassClient
	r.clientsByConn[conn] = &clientRecord{conn: conn, id: id}
	// clientsByID is a last-writer-wins convenience index for direct lookup;
	// it's only used for attribution shortcuts, never for membership checks.
	r.clientsByID[id] = conn
	return nil
}

// AddNeighbour classifies conn as a neighbour at address. Fails with
// ErrDuplicateConn if conn is already classified, or ErrDuplicateAddress if
// another connection already holds that address: at most one
// neighbour connection is allowed per configured address.
func (r *Registry) AddNeighbour(conn ConnID, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.classes[conn]; ok {
		return ErrDuplicateConn
	}
	if _, ok := r.neighboursByAddress[address]; ok {
		return ErrDuplicateAddress
	}
	r.classes[conn] = ClassNeighbour
	r.neighboursByConn[conn] = &neighbourRecord{conn: conn, address: address}
	r.neighboursByAddress[address] = conn
	return nil
}

// Removal reports what RemoveConn dropped, so the Router knows whether the
// local roster changed and needs to be gossiped to neighbours.
type Removal struct {
	Was ConnClass
}

// RemoveConn drops all registry state for conn, regardless of its class. A
// no-op for connections that were never classified (closed before their
// first valid hello). The returned Removal.Was is Unregistered in that case.
func (r *Registry) RemoveConn(conn ConnID) Removal {
	r.mu.Lock()
	defer r.mu.Unlock()

	was := r.classes[conn]
	switch was {
	case ClassClient:
		if rec, ok := r.clientsByConn[conn]; ok {
			if r.clientsByID[rec.id] == conn {
				delete(r.clientsByID, rec.id)
			}
			delete(r.clientsByConn, conn)
		}
	case ClassNeighbour:
		if rec, ok := r.neighboursByConn[conn]; ok {
			if r.neighboursByAddress[rec.address] == conn {
				delete(r.neighboursByAddress, rec.address)
			}
			delete(r.neighboursByConn, conn)
		}
	}
	delete(r.classes, conn)
	return Removal{Was: was}
}

// UpdateNeighbourRoster replaces the roster a neighbour last reported via
// client_update. Returns ErrDuplicateConn (reused as "not a neighbour") if
// conn is not a registered neighbour.
func (r *Registry) UpdateNeighbourRoster(conn ConnID, roster []Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.neighboursByConn[conn]
	if !ok {
		return ErrDuplicateConn
	}
	rec.roster = roster
	return nil
}

// ClassOf reports the current classification of conn.
func (r *Registry) ClassOf(conn ConnID) ConnClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classes[conn]
}

// LocalClients returns the ConnIDs of every currently attached client. The
// slice is a snapshot; callers must not hold the registry lock while using
// it to send: fan-out sends happen outside the lock.
func (r *Registry) LocalClients() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnID, 0, len(r.clientsByConn))
	for c := range r.clientsByConn {
		out = append(out, c)
	}
	return out
}

// LocalClientIdentities returns the Identity of every currently attached
// client, for building this relay's own client_list/client_update entries.
func (r *Registry) LocalClientIdentities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Identity, 0, len(r.clientsByConn))
	for _, rec := range r.clientsByConn {
		out = append(out, rec.id)
	}
	return out
}

// NeighbourByAddress returns the ConnID of the neighbour connection at
// address, if any.
func (r *Registry) NeighbourByAddress(address string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.neighboursByAddress[address]
	return conn, ok
}

// Neighbours returns a snapshot of the ConnIDs of every attached neighbour
// connection. Use NeighbourByAddress or SnapshotRoster for addresses.
func (r *Registry) Neighbours() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnID, 0, len(r.neighboursByConn))
	for c := range r.neighboursByConn {
		out = append(out, c)
	}
	return out
}

// RosterEntry pairs a neighbour's address with the clients it last reported.
type RosterEntry struct {
	Address string
	Clients []Identity
}

// SnapshotRoster returns, for every attached neighbour, the address and
// clients it last advertised. Used to build a client_list reply for a
// client's client_list_request.
func (r *Registry) SnapshotRoster() []RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RosterEntry, 0, len(r.neighboursByConn))
	for _, rec := range r.neighboursByConn {
		clients := make([]Identity, len(rec.roster))
		copy(clients, rec.roster)
		out = append(out, RosterEntry{Address: rec.address, Clients: clients})
	}
	return out
}

// ConnCounts reports the current number of attached clients and neighbours,
// for metrics gauges.
func (r *Registry) ConnCounts() (clients, neighbours int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clientsByConn), len(r.neighboursByConn)
}
