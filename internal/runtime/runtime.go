package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/chorus/internal/causality"
	cfgpkg "github.com/rzbill/chorus/internal/config"
	"github.com/rzbill/chorus/internal/coordinator"
	"github.com/rzbill/chorus/internal/dispatch"
	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/federation"
	"github.com/rzbill/chorus/internal/metrics"
	grpcserver "github.com/rzbill/chorus/internal/server/grpc"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/internal/storage/backend"
	"github.com/rzbill/chorus/internal/subscription"
	"github.com/rzbill/chorus/pkg/log"
)

// KeyFile is the signing key's file name inside the data directory when
// federation.keyPath is not set.
const KeyFile = "signing.key"

const sinkStopTimeout = 5 * time.Second

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Dialer replaces the gRPC peer dialer.
	Dialer federation.Dialer
	// Key replaces the signing key loaded from disk.
	Key ed25519.PrivateKey
}

// Runtime wires storage, config and every homeserver component for a
// single server instance.
type Runtime struct {
	config  cfgpkg.Config
	logger  log.Logger
	metrics *metrics.Metrics

	db       storage.Engine
	log      *eventlog.Log
	tracker  *causality.Tracker
	registry *subscription.Registry
	dispatch *dispatch.Dispatcher
	media    *gochannel.GoChannel
	signer   *federation.Signer
	keys     *federation.KeyStore
	outbox   *federation.Outbox
	gateway  *federation.Gateway
	coord    *coordinator.Coordinator
}

// Open opens the configured storage engine and builds the components on it.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	m := metrics.New()
	db, err := backend.Open(cfg.Storage, m)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	r := &Runtime{config: cfg, logger: logger, metrics: m, db: db}
	if err := r.build(ctx, opts); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context, opts Options) error {
	cfg := r.config
	self := cfg.Server.Name

	key := opts.Key
	if key == nil {
		var err error
		if key, err = r.loadKey(); err != nil {
			return err
		}
	}
	r.signer = federation.NewSigner(self, key)

	r.log = eventlog.Open(r.db, eventlog.Options{Logger: r.logger, PageSize: cfg.Storage.ScanPageSize})
	r.tracker = causality.New(r.db, causality.Options{
		Logger:         r.logger,
		Metrics:        r.metrics,
		BufferCapacity: cfg.Causality.BufferCapacity,
		GapTimeout:     cfg.Causality.GapTimeout,
		MaxBuffers:     cfg.Causality.MaxBuffers,
		SweepInterval:  cfg.Causality.SweepInterval,
	})
	r.registry = subscription.New(r.log, r.logger, r.metrics)

	r.keys = federation.NewKeyStore(r.db)
	for _, p := range cfg.Federation.Peers {
		if p.PublicKey == "" {
			continue
		}
		pub, err := federation.ParsePublicKey(p.PublicKey)
		if err != nil {
			return fmt.Errorf("peer %s: %w", p.Name, err)
		}
		if err := r.keys.Trust(ctx, p.Name, pub); err != nil {
			return fmt.Errorf("peer %s: %w", p.Name, err)
		}
	}
	r.outbox = federation.NewOutbox(r.db, cfg.Federation.Retention, r.logger)

	fc := cfg.Federation
	dialer := opts.Dialer
	if dialer == nil {
		dopts, err := grpcserver.DialOptions(FederationTLS(cfg))
		if err != nil {
			return err
		}
		dialer = grpcserver.NewDialer(self, dopts...)
	}
	r.gateway = federation.NewGateway(r.signer, r.keys, r.outbox, r.log, dialer, federation.Options{
		Self:             self,
		Logger:           r.logger,
		Metrics:          r.metrics,
		RetryInitial:     fc.RetryInitial,
		RetryMax:         fc.RetryMax,
		RetryMultiplier:  fc.RetryMultiplier,
		MaxAttempts:      fc.MaxAttempts,
		ConnectTimeout:   fc.ConnectTimeout,
		SendTimeout:      fc.SendTimeout,
		BackfillTimeout:  fc.BackfillTimeout,
		DegradedRetry:    fc.DegradedRetry,
		PenaltyThreshold: fc.PenaltyThreshold,
	})
	for _, p := range fc.Peers {
		r.gateway.AddPeer(p.Name, p.Addr)
	}

	r.media = dispatch.NewMediaBus(r.logger, cfg.Subscriptions.QueueSize)
	r.dispatch = dispatch.New(r.registry, r.gateway, dispatch.Options{Logger: r.logger, Metrics: r.metrics})
	r.dispatch.AddSink(dispatch.NewMediaNotifier(r.media))

	r.coord = coordinator.New(r.log, r.tracker, r.signer, r.dispatch, coordinator.Options{
		Self:    self,
		Logger:  r.logger,
		Metrics: r.metrics,
	})
	r.gateway.SetAcceptor(r.coord)
	r.tracker.SetFederation(r.gateway, r.gateway)

	channels, err := r.log.Channels(ctx, "")
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	for _, ch := range channels {
		for _, p := range ch.Peers {
			r.registry.AddPeer(ch.ID, p)
		}
	}
	r.logger.Info("runtime ready",
		log.Str("server", self),
		log.Str("backend", cfg.Storage.Backend),
		log.Int("channels", len(channels)),
		log.Int("peers", len(fc.Peers)))
	return nil
}

// loadKey reads or creates the signing key. The memory backend without a
// key path gets a throwaway key.
// FederationTLS returns the mutual TLS files configured for federation.
func FederationTLS(cfg cfgpkg.Config) grpcserver.TLSConfig {
	return grpcserver.TLSConfig{
		CertFile: cfg.Federation.TLSCert,
		KeyFile:  cfg.Federation.TLSKey,
		CAFile:   cfg.Federation.TLSCA,
	}
}

func (r *Runtime) loadKey() (ed25519.PrivateKey, error) {
	path := r.config.Federation.KeyPath
	if path == "" && r.config.Storage.Backend == "memory" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}
	if path == "" {
		path = filepath.Join(r.config.Storage.DataDir, KeyFile)
	}
	key, err := federation.LoadOrCreateKey(path)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return key, nil
}

// Run starts the background workers (sink pool, gap sweeper, federation
// senders) and blocks until ctx is done or one of them fails.
func (r *Runtime) Run(ctx context.Context) error {
	r.dispatch.Start(ctx)
	defer func() {
		if err := r.dispatch.Stop(sinkStopTimeout); err != nil {
			r.logger.Warn("sink pool stop", log.Err(err))
		}
	}()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.tracker.Run(gctx) })
	g.Go(func() error { return r.gateway.Run(gctx) })
	if iv := r.config.Storage.VerifyInterval; iv > 0 {
		g.Go(func() error { return r.verifyLoop(gctx, iv) })
	}
	return g.Wait()
}

func (r *Runtime) verifyLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.VerifyStorage(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("integrity check", log.Err(err))
			}
		}
	}
}

// VerifyStorage re-checks every stored record once, quarantining corrupt
// ones and rewriting missing index entries.
func (r *Runtime) VerifyStorage(ctx context.Context) ([]eventlog.VerifyReport, error) {
	reps, err := r.log.VerifyAll(ctx)
	for _, rep := range reps {
		r.metrics.Integrity("checked", rep.Checked)
		r.metrics.Integrity("corrupt", rep.Corrupt)
		r.metrics.Integrity("missing", rep.Missing)
		r.metrics.Integrity("repaired", rep.Repaired)
	}
	return reps, err
}

// CreateChannel ensures a channel exists and registers its peers for fan-out.
func (r *Runtime) CreateChannel(ctx context.Context, ch eventlog.Channel) (eventlog.Channel, error) {
	for _, p := range ch.Peers {
		if err := r.knownPeer(p); err != nil {
			return eventlog.Channel{}, err
		}
	}
	got, err := r.log.EnsureChannel(ctx, ch)
	if err != nil {
		return eventlog.Channel{}, err
	}
	for _, p := range got.Peers {
		r.registry.AddPeer(got.ID, p)
	}
	return got, nil
}

// SharePeer records that peer shares channel, persistently and in the
// registry. Sharing is idempotent.
func (r *Runtime) SharePeer(ctx context.Context, channel, peer string) error {
	if err := r.knownPeer(peer); err != nil {
		return err
	}
	if _, err := r.log.SharePeer(ctx, channel, peer); err != nil {
		return err
	}
	r.registry.AddPeer(channel, peer)
	return nil
}

// UnsharePeer stops federating channel with peer.
func (r *Runtime) UnsharePeer(ctx context.Context, channel, peer string) error {
	if _, err := r.log.UnsharePeer(ctx, channel, peer); err != nil {
		return err
	}
	r.registry.RemovePeer(channel, peer)
	return nil
}

func (r *Runtime) knownPeer(peer string) error {
	if peer == r.config.Server.Name {
		return errs.WrapInvalid(fmt.Errorf("%s is this server", peer), "runtime", "share_peer")
	}
	for _, p := range r.gateway.Peers() {
		if p.ID == peer {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", errs.ErrUnknownPeer, peer)
}

// CheckHealth reports whether storage answers reads.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("storage not open")
	}
	_, err := r.db.Get(ctx, []byte("health"))
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return nil
}

// Close stops federation and closes the media bus and storage.
func (r *Runtime) Close() error {
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.media != nil {
		_ = r.media.Close()
	}
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *Runtime) Config() cfgpkg.Config                 { return r.config }
func (r *Runtime) Logger() log.Logger                    { return r.logger }
func (r *Runtime) Metrics() *metrics.Metrics             { return r.metrics }
func (r *Runtime) Log() *eventlog.Log                    { return r.log }
func (r *Runtime) Tracker() *causality.Tracker           { return r.tracker }
func (r *Runtime) Registry() *subscription.Registry      { return r.registry }
func (r *Runtime) Dispatcher() *dispatch.Dispatcher      { return r.dispatch }
func (r *Runtime) MediaBus() *gochannel.GoChannel        { return r.media }
func (r *Runtime) Signer() *federation.Signer            { return r.signer }
func (r *Runtime) KeyStore() *federation.KeyStore        { return r.keys }
func (r *Runtime) Gateway() *federation.Gateway          { return r.gateway }
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }
