package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type healthReporter struct {
	srv      *health.Server
	checkFn  func(ctx context.Context) error
	interval time.Duration
}

func registerHealth(g *grpc.Server, check func(ctx context.Context) error, interval time.Duration) *healthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &healthReporter{srv: health.NewServer(), checkFn: check, interval: interval}
	healthpb.RegisterHealthServer(g, h.srv)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return h
}

func (h *healthReporter) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}

func (h *healthReporter) check(ctx context.Context) {
	if h.checkFn == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	if err := h.checkFn(cctx); err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
}

func (h *healthReporter) run(ctx context.Context) {
	h.check(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.check(ctx)
		}
	}
}

func (h *healthReporter) shutdown() { h.srv.Shutdown() }
