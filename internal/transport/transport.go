package transport

import (
	"context"
	"errors"

	"github.com/witnz/quorum/internal/types"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownPeer = errors.New("unknown peer")
)

// Message is a payload received from a peer. Framing and encryption are the
// transport's concern; the payload is opaque here.
type Message struct {
	From types.NodeID
	Data []byte
}

// Transport delivers opaque payloads between cluster members.
type Transport interface {
	Send(ctx context.Context, to types.NodeID, data []byte) error
	Inbound() <-chan Message
	Close() error
}
