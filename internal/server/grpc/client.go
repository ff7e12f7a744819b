package grpcserver

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/federation"
)

// Dialer opens gRPC links to peers. It identifies this server as self on
// every call.
type Dialer struct {
	self string
	opts []grpc.DialOption
}

// NewDialer returns a Dialer. Without options it uses plaintext transport.
func NewDialer(self string, opts ...grpc.DialOption) *Dialer {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Dialer{self: self, opts: opts}
}

func (d *Dialer) Dial(_ context.Context, peer, addr string) (federation.PeerLink, error) {
	conn, err := grpc.NewClient(addr, d.opts...)
	if err != nil {
		return nil, errs.WrapTransient(err, "grpc", "dial "+peer)
	}
	return &link{conn: conn, self: d.self}, nil
}

type link struct {
	conn *grpc.ClientConn
	self string
}

func (l *link) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, OriginHeader, l.self)
}

func (l *link) Push(ctx context.Context, raw []byte) error {
	if err := l.conn.Invoke(l.outgoing(ctx), pushMethod, wrapperspb.Bytes(raw), new(emptypb.Empty)); err != nil {
		return fromStatus(err, "push")
	}
	return nil
}

func (l *link) Backfill(ctx context.Context, req federation.BackfillRequest) (federation.BackfillStream, error) {
	body, err := encodeBackfill(req)
	if err != nil {
		return nil, errs.WrapInvalid(err, "grpc", "backfill")
	}
	stream, err := l.conn.NewStream(l.outgoing(ctx), &federationDesc.Streams[0], backfillMethod)
	if err != nil {
		return nil, fromStatus(err, "backfill")
	}
	if err := stream.SendMsg(wrapperspb.Bytes(body)); err != nil {
		return nil, fromStatus(err, "backfill")
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(err, "backfill")
	}
	return backfillStream{stream}, nil
}

func (l *link) Close() error { return l.conn.Close() }

type backfillStream struct{ s grpc.ClientStream }

// Recv returns io.EOF unchanged at the end of the stream.
func (b backfillStream) Recv() ([]byte, error) {
	m := new(wrapperspb.BytesValue)
	if err := b.s.RecvMsg(m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fromStatus(err, "backfill")
	}
	return m.GetValue(), nil
}
