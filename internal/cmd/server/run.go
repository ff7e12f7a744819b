package serverrun

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/chorus/internal/config"
	"github.com/rzbill/chorus/internal/runtime"
	grpcserver "github.com/rzbill/chorus/internal/server/grpc"
	httpserver "github.com/rzbill/chorus/internal/server/http"
	logpkg "github.com/rzbill/chorus/pkg/log"
)

// Options configures a server run.
type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Run opens the runtime and serves the client HTTP API and the federation
// gRPC endpoint until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts Options) error {
	// Layer a signal context over the caller's so Run can be used directly.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.Storage.DataDir == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.DataDir = cfgpkg.DefaultDataDir()
	}
	logger, err := processLogger(opts)
	if err != nil {
		return err
	}
	// Redirect stdlib logs (Pebble, grpc) to our logger
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting chorus server",
		logpkg.Str("server", cfg.Server.Name),
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("federation", cfg.Server.FederationAddr),
		logpkg.Str("backend", cfg.Storage.Backend),
		logpkg.Str("data_dir", cfg.Storage.DataDir),
		logpkg.Str("level", cfg.Log.Level),
	)

	hsrv := httpserver.New(rt, logger)
	sopts, err := grpcserver.ServerOptions(runtime.FederationTLS(cfg))
	if err != nil {
		return err
	}
	gsrv := grpcserver.New(rt.Gateway(), grpcserver.Options{Logger: logger, Health: rt.CheckHealth, ServerOptions: sopts})

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.Server.HTTPAddr) })
	g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.Server.FederationAddr) })
	g.Go(func() error { return rt.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if err != nil {
		logger.Error("server stopped", logpkg.Err(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

// processLogger builds the process-wide logger, falling back to a plain text
// logger at the configured level when the log config is unusable.
func processLogger(opts Options) (logpkg.Logger, error) {
	if opts.Logger != nil {
		return opts.Logger, nil
	}
	l, err := logpkg.ApplyConfig(&opts.Config.Log)
	if err == nil {
		return l, nil
	}
	lvl, perr := logpkg.ParseLevel(opts.Config.Log.Level)
	if perr != nil {
		return nil, err
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{})), nil
}
