// Package neighbourhood loads the static address allow-list a relay uses to
// decide which incoming server_hello frames to accept. Grounded on
// original_source's load_neighbour_keys: for each configured neighbour
// address, a {host}_{port}_public_key.pem file must exist in the keys
// directory before the relay will start.
//
// The loaded key is never used for handshake key-pinning: websocket
// connections here carry no transport authentication, so the map only
// answers "is this address one I expect a neighbour from", not "does this
// key match". A future hardening pass could use the loaded key bytes to
// verify a signed server_hello.
package neighbourhood

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olafproto/relay/pkg/crypto"
)

// Entry is one configured neighbour: its address and the public key it is
// expected to present.
type Entry struct {
	Address   string
	PublicKey []byte
}

// Map is the loaded neighbourhood: an address allow-list plus the expected
// key bytes for each address. It implements relay.Neighbourhood.
type Map struct {
	entries map[string]Entry
}

// Load reads, for each address in addrs, "{host}_{port}_public_key.pem"
// from dir. Every address must resolve to an existing, parseable key file:
// a missing or malformed neighbour key is a boot-time failure, matching the
// original implementation's decision to exit rather than start with an
// incomplete neighbourhood.
func Load(dir string, addrs []string) (*Map, error) {
	m := &Map{entries: make(map[string]Entry, len(addrs))}

	for _, addr := range addrs {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("neighbourhood: %s: %w", addr, err)
		}

		path := filepath.Join(dir, fmt.Sprintf("%s_%s_public_key.pem", host, port))
		keyBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("neighbourhood: reading key for %s: %w", addr, err)
		}
		if _, err := crypto.LoadPublicKey(keyBytes); err != nil {
			return nil, fmt.Errorf("neighbourhood: parsing key for %s: %w", addr, err)
		}

		m.entries[addr] = Entry{Address: addr, PublicKey: keyBytes}
	}

	return m, nil
}

// Allowed reports whether address is a configured neighbour.
func (m *Map) Allowed(address string) bool {
	_, ok := m.entries[address]
	return ok
}

// Addresses returns every configured neighbour address, for the Supervisor
// to spawn one Dialer per entry.
func (m *Map) Addresses() []string {
	out := make([]string, 0, len(m.entries))
	for addr := range m.entries {
		out = append(out, addr)
	}
	return out
}

// PublicKey returns the expected key bytes for address, if configured.
func (m *Map) PublicKey(address string) ([]byte, bool) {
	e, ok := m.entries[address]
	return e.PublicKey, ok
}

func splitHostPort(addr string) (host, port string, err error) {
	addr = strings.TrimPrefix(addr, "wss://")
	addr = strings.TrimPrefix(addr, "ws://")

	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing port in %q", addr)
	}
	host, port = addr[:i], addr[i+1:]
	if _, err := strconv.Atoi(port); err != nil {
		return "", "", fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}
