// Package grpcserver is the gRPC transport between federated servers. It
// serves the chorus.federation.v1.Federation service (unary Push and
// server-streaming Backfill, each carrying CBOR-encoded events inside
// BytesValue messages) plus the standard gRPC health service, and provides
// the Dialer the federation gateway uses to reach peers.
//
// Example:
//
//	srv := grpcserver.New(gateway, grpcserver.Options{Logger: logger, Health: rt.CheckHealth})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = srv.ListenAndServe(ctx, ":8448")
package grpcserver
