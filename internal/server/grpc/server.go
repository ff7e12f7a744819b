package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/rzbill/chorus/pkg/log"
)

type Options struct {
	Logger log.Logger
	// Health is checked every HealthInterval to drive the gRPC health status.
	Health         func(ctx context.Context) error
	HealthInterval time.Duration
	ServerOptions  []grpc.ServerOption
}

// Server owns the gRPC server instance.
type Server struct {
	grpc   *grpc.Server
	health *healthReporter
	logger log.Logger
	lis    net.Listener
}

// New constructs a gRPC server and registers the federation and health services.
func New(h Handler, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	s := &Server{
		grpc:   grpc.NewServer(opts.ServerOptions...),
		logger: opts.Logger.With(log.Component("grpc")),
	}
	s.grpc.RegisterService(&federationDesc, &federationSvc{h: h})
	s.health = registerHealth(s.grpc, opts.Health, opts.HealthInterval)
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("federation listening", log.Str("addr", l.Addr().String()))
	go s.health.run(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	s.health.shutdown()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
