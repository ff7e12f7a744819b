package federation

import (
	"context"
)

// BackfillRequest asks a peer for the events of Channel that originated on
// Origin, starting at origin position From. To bounds the range when non-zero.
type BackfillRequest struct {
	Channel string
	Origin  string
	From    uint64
	To      uint64
}

// BackfillStream yields encoded events. Recv returns io.EOF at the end.
type BackfillStream interface {
	Recv() ([]byte, error)
}

// PeerLink is an established connection to one peer server. The transport
// behind it is opaque to the gateway.
type PeerLink interface {
	Push(ctx context.Context, raw []byte) error
	Backfill(ctx context.Context, req BackfillRequest) (BackfillStream, error)
	Close() error
}

// Dialer opens links to peers by name and address.
type Dialer interface {
	Dial(ctx context.Context, peer, addr string) (PeerLink, error)
}
