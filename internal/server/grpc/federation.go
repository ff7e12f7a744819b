package grpcserver

import (
	"context"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/federation"
)

const (
	ServiceName = "chorus.federation.v1.Federation"
	// OriginHeader carries the calling server's name.
	OriginHeader = "x-chorus-origin"

	pushMethod     = "/" + ServiceName + "/Push"
	backfillMethod = "/" + ServiceName + "/Backfill"
)

// Handler is the server side of federation, implemented by the gateway.
type Handler interface {
	HandleInbound(ctx context.Context, from string, raw []byte) error
	ServeBackfill(ctx context.Context, requester string, req federation.BackfillRequest) (*eventlog.Cursor, error)
}

type federationServer interface {
	Push(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Backfill(in *wrapperspb.BytesValue, stream grpc.ServerStream) error
}

var federationDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*federationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Backfill", Handler: backfillHandler, ServerStreams: true},
	},
	Metadata: "chorus/federation/v1/federation.proto",
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(federationServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(federationServer).Push(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func backfillHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(federationServer).Backfill(in, stream)
}

// wireBackfill is the CBOR body of a Backfill request.
type wireBackfill struct {
	Channel string `cbor:"1,keyasint"`
	Origin  string `cbor:"2,keyasint"`
	From    uint64 `cbor:"3,keyasint"`
	To      uint64 `cbor:"4,keyasint,omitempty"`
}

func encodeBackfill(req federation.BackfillRequest) ([]byte, error) {
	return cbor.Marshal(wireBackfill(req))
}

func decodeBackfill(b []byte) (federation.BackfillRequest, error) {
	var w wireBackfill
	if err := cbor.Unmarshal(b, &w); err != nil {
		return federation.BackfillRequest{}, err
	}
	return federation.BackfillRequest(w), nil
}

type federationSvc struct {
	h Handler
}

// originOf returns the calling server's name. Over TLS the claimed name
// must be covered by the client certificate; plaintext connections are
// trusted on the header alone.
func originOf(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok || len(md.Get(OriginHeader)) == 0 || md.Get(OriginHeader)[0] == "" {
		return "", status.Error(codes.Unauthenticated, "missing "+OriginHeader)
	}
	origin := md.Get(OriginHeader)[0]
	p, ok := peer.FromContext(ctx)
	if !ok {
		return origin, nil
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return origin, nil
	}
	certs := info.State.PeerCertificates
	if len(certs) == 0 {
		return "", status.Error(codes.Unauthenticated, "client certificate required")
	}
	if err := certs[0].VerifyHostname(origin); err != nil {
		return "", status.Errorf(codes.PermissionDenied, "%s does not match the client certificate", origin)
	}
	return origin, nil
}

func (s *federationSvc) Push(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from, err := originOf(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.h.HandleInbound(ctx, from, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *federationSvc) Backfill(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	from, err := originOf(stream.Context())
	if err != nil {
		return err
	}
	req, err := decodeBackfill(in.GetValue())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "backfill request: %v", err)
	}
	cur, err := s.h.ServeBackfill(stream.Context(), from, req)
	if err != nil {
		return toStatus(err)
	}
	err = federation.StreamBackfill(cur, req.To, func(raw []byte) error {
		return stream.SendMsg(wrapperspb.Bytes(raw))
	})
	if err != nil {
		return toStatus(err)
	}
	return nil
}

// toStatus maps the error taxonomy onto gRPC codes so the caller can tell a
// rejected event from an unreachable server.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errs.ErrBanned), errors.Is(err, errs.ErrForged), errs.IsSecurity(err):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errs.ErrUnknownPeer), errors.Is(err, errs.ErrUnknownChannel):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errs.ClassOf(err) == errs.Invalid:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// fromStatus is the client-side inverse of toStatus.
func fromStatus(err error, op string) error {
	st, ok := status.FromError(err)
	if !ok {
		return errs.WrapTransient(err, "grpc", op)
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return errs.WrapInvalid(err, "grpc", op)
	case codes.PermissionDenied, codes.Unauthenticated:
		return errs.WrapSecurity(err, "grpc", op)
	default:
		return errs.WrapTransient(err, "grpc", op)
	}
}
