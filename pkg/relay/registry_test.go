package relay

import (
	"errors"
	"testing"
)

func TestRegistryAddClient(t *testing.T) {
	r := NewRegistry()

	if err := r.AddClient(1, Identity("alice-key")); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if got := r.ClassOf(1); got != ClassClient {
		t.Fatalf("ClassOf(1) = %v, want ClassClient", got)
	}
	if err := r.AddClient(1, Identity("alice-key")); !errors.Is(err, ErrDuplicateConn) {
		t.Fatalf("AddClient duplicate: got %v, want ErrDuplicateConn", err)
	}

	clients := r.LocalClients()
	if len(clients) != 1 || clients[0] != 1 {
		t.Fatalf("LocalClients() = %v, want [1]", clients)
	}
}

func TestRegistryAddNeighbour(t *testing.T) {
	r := NewRegistry()

	if err := r.AddNeighbour(1, "10.0.0.1:8081"); err != nil {
		t.Fatalf("AddNeighbour: %v", err)
	}
	if err := r.AddNeighbour(2, "10.0.0.1:8081"); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("AddNeighbour same address: got %v, want ErrDuplicateAddress", err)
	}
	if err := r.AddNeighbour(1, "10.0.0.2:8081"); !errors.Is(err, ErrDuplicateConn) {
		t.Fatalf("AddNeighbour already-classified conn: got %v, want ErrDuplicateConn", err)
	}

	conn, ok := r.NeighbourByAddress("10.0.0.1:8081")
	if !ok || conn != 1 {
		t.Fatalf("NeighbourByAddress = (%v, %v), want (1, true)", conn, ok)
	}
}

func TestRegistryRemoveConnFreesAddress(t *testing.T) {
	r := NewRegistry()

	if err := r.AddNeighbour(1, "10.0.0.1:8081"); err != nil {
		t.Fatalf("AddNeighbour: %v", err)
	}
	r.RemoveConn(1)

	if _, ok := r.NeighbourByAddress("10.0.0.1:8081"); ok {
		t.Fatalf("address still claimed after RemoveConn")
	}
	if got := r.ClassOf(1); got != Unregistered {
		t.Fatalf("ClassOf(1) after removal = %v, want Unregistered", got)
	}

	// Address should be reusable by a new connection after removal.
	if err := r.AddNeighbour(2, "10.0.0.1:8081"); err != nil {
		t.Fatalf("AddNeighbour after free: %v", err)
	}
}

func TestRegistryRemoveConnNoOpWhenUnclassified(t *testing.T) {
	r := NewRegistry()
	if rm := r.RemoveConn(99); rm.Was != Unregistered {
		t.Fatalf("RemoveConn on unknown conn = %v, want Unregistered", rm.Was)
	}
}

func TestRegistryUpdateNeighbourRoster(t *testing.T) {
	r := NewRegistry()
	if err := r.AddNeighbour(1, "10.0.0.1:8081"); err != nil {
		t.Fatalf("AddNeighbour: %v", err)
	}

	roster := []Identity{"bob-key", "carol-key"}
	if err := r.UpdateNeighbourRoster(1, roster); err != nil {
		t.Fatalf("UpdateNeighbourRoster: %v", err)
	}

	snap := r.SnapshotRoster()
	if len(snap) != 1 || snap[0].Address != "10.0.0.1:8081" || len(snap[0].Clients) != 2 {
		t.Fatalf("SnapshotRoster() = %+v, want one entry with 2 clients", snap)
	}

	if err := r.UpdateNeighbourRoster(2, roster); !errors.Is(err, ErrDuplicateConn) {
		t.Fatalf("UpdateNeighbourRoster on unknown conn: got %v, want ErrDuplicateConn", err)
	}
}

func TestRegistryConnCounts(t *testing.T) {
	r := NewRegistry()
	r.AddClient(1, Identity("alice"))
	r.AddClient(2, Identity("bob"))
	r.AddNeighbour(3, "10.0.0.1:8081")

	clients, neighbours := r.ConnCounts()
	if clients != 2 || neighbours != 1 {
		t.Fatalf("ConnCounts() = (%d, %d), want (2, 1)", clients, neighbours)
	}

	r.RemoveConn(1)
	clients, neighbours = r.ConnCounts()
	if clients != 1 || neighbours != 1 {
		t.Fatalf("ConnCounts() after remove = (%d, %d), want (1, 1)", clients, neighbours)
	}
}

func TestRegistryLocalClientIdentities(t *testing.T) {
	r := NewRegistry()
	r.AddClient(1, Identity("alice"))
	r.AddClient(2, Identity("bob"))

	ids := r.LocalClientIdentities()
	if len(ids) != 2 {
		t.Fatalf("LocalClientIdentities() = %v, want 2 entries", ids)
	}
}
