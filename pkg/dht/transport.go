package dht

import (
	"context"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// ProtocolID is the protocol identifier streams are negotiated under.
const ProtocolID = "/ipfs/kad/1.0.0"

// Stream is a single bidirectional, length-prefixed-message-carrying
// connection to one remote peer, scoped to exactly one RPC exchange.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
	// RemoteAddr reports the observed network address of the remote side,
	// used to seed the routing table's address list on inbound connect.
	RemoteAddr() string
}

// StreamOpener is the external capability the service borrows to dial a
// new per-RPC stream to a known peer.
type StreamOpener interface {
	NewStream(ctx context.Context, peer peerid.ID, protocolID string) (Stream, error)
}

// HandlerRegistry is the external capability the service borrows to accept
// inbound streams for a protocol identifier. handler is invoked once per
// accepted stream, with the connecting peer's identity and observed
// address already known to the transport.
type HandlerRegistry interface {
	SetHandler(protocolID string, handler func(remote peerid.ID, s Stream))
}
