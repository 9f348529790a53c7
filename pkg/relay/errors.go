package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for the codec and router failure taxonomy.
var (
	// ErrMalformed is a schema violation or bad JSON. Recovered locally: an
	// error frame is sent and the connection stays open, whatever its class;
	// a malformed first frame on an unregistered connection does not close it.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType is an unrecognized top-level or data.type value.
	ErrUnknownType = errors.New("unknown frame type")

	// ErrProtocolViolation is a frame received from the wrong connection
	// state (e.g. chat before hello). Error frame + close.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrReplay is a signed_data frame whose counter is <= the last seen
	// counter on that connection. Dropped silently.
	ErrReplay = errors.New("replayed counter")

	// ErrRoutingMiss is a chat frame naming a destination address this relay
	// doesn't recognize. Logged and dropped.
	ErrRoutingMiss = errors.New("unknown destination")

	// ErrPeerGone is a send failure because the peer's transport is closed.
	// Handled locally; never propagated to the ingress peer.
	ErrPeerGone = errors.New("peer connection closed")

	// ErrDuplicateConn is returned by Registry.AddClient when the connection
	// already holds a client or neighbour record.
	ErrDuplicateConn = errors.New("connection already classified")

	// ErrUnknownAddress names an address absent from the neighbourhood
	// configuration. Registry.AddNeighbour does not consult the configuration
	// and never returns it; Router.handleServerHello checks the address first
	// and reports an unconfigured one as ErrProtocolViolation.
	ErrUnknownAddress = errors.New("address not in neighbourhood configuration")

	// ErrDuplicateAddress is returned by Registry.AddNeighbour when another
	// connection already holds the neighbour record for that address.
	ErrDuplicateAddress = errors.New("address already has a neighbour connection")
)

// FatalError wraps a boot-time failure that should abort the process:
// missing keys, an unbindable port, a missing neighbour key file. Only the
// Supervisor may translate this into a process exit.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a *FatalError.
func Fatalf(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}
