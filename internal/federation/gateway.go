// Package federation exchanges signed events with peer servers.
//
// Outbound, every event queued for a peer goes through a durable Outbox and
// a per-peer sender that pushes in sequence order, retrying with exponential
// backoff and marking the peer degraded when attempts run out. Inbound, an
// event's signature is checked against its origin's trusted key before it is
// handed to the write coordinator; forgeries penalize the sending peer.
package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rzbill/chorus/internal/coordinator"
	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/metrics"
	"github.com/rzbill/chorus/pkg/log"
)

// Acceptor takes verified foreign events. The write coordinator implements it.
type Acceptor interface {
	AcceptForeign(ctx context.Context, from string, ev event.Event) (coordinator.Outcome, error)
}

type PeerState string

const (
	Healthy  PeerState = "healthy"
	Degraded PeerState = "degraded"
	Banned   PeerState = "banned"
)

// PeerStatus is a snapshot of one peer.
type PeerStatus struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	State     PeerState `json:"state"`
	Pending   int       `json:"pending"`
	Penalties int       `json:"penalties"`
	LastError string    `json:"lastError,omitempty"`
}

type Options struct {
	Self    string
	Logger  log.Logger
	Metrics *metrics.Metrics

	RetryInitial     time.Duration
	RetryMax         time.Duration
	RetryMultiplier  float64
	MaxAttempts      int
	ConnectTimeout   time.Duration
	SendTimeout      time.Duration
	BackfillTimeout  time.Duration
	DegradedRetry    time.Duration
	PenaltyThreshold int
	Now              func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = log.NewLogger()
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.RetryMultiplier < 1 {
		o.RetryMultiplier = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.BackfillTimeout <= 0 {
		o.BackfillTimeout = time.Minute
	}
	if o.DegradedRetry <= 0 {
		o.DegradedRetry = 30 * time.Second
	}
	if o.PenaltyThreshold <= 0 {
		o.PenaltyThreshold = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

const flushBatch = 64

type peer struct {
	id, addr  string
	wake      chan struct{}
	link      PeerLink
	state     PeerState
	penalties int
	pending   int
	lastErr   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// Gateway is the federation endpoint of this server.
type Gateway struct {
	opts     Options
	logger   log.Logger
	metrics  *metrics.Metrics
	signer   *Signer
	keys     *KeyStore
	outbox   *Outbox
	log      *eventlog.Log
	dialer   Dialer
	acceptor Acceptor

	mu      sync.Mutex
	peers   map[string]*peer
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewGateway(signer *Signer, keys *KeyStore, outbox *Outbox, l *eventlog.Log, dialer Dialer, opts Options) *Gateway {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		opts:    opts,
		logger:  opts.Logger.With(log.Component("federation")),
		metrics: opts.Metrics,
		signer:  signer,
		keys:    keys,
		outbox:  outbox,
		log:     l,
		dialer:  dialer,
		peers:   make(map[string]*peer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetAcceptor wires the coordinator. It must be called before Run.
func (g *Gateway) SetAcceptor(a Acceptor) { g.acceptor = a }

// AddPeer registers a peer server reachable at addr.
func (g *Gateway) AddPeer(id, addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.peers[id]; ok {
		p.addr = addr
		return
	}
	p := &peer{id: id, addr: addr, wake: make(chan struct{}, 1), state: Healthy}
	g.peers[id] = p
	if g.running {
		g.startLocked(p)
	}
}

// Run starts a sender per peer, including peers that only have items left
// in the outbox from a previous run, and blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	stored, err := g.outbox.Peers(ctx)
	if err != nil {
		return fmt.Errorf("load outbox peers: %w", err)
	}
	g.mu.Lock()
	for _, id := range stored {
		if _, ok := g.peers[id]; !ok {
			g.logger.Warn("outbox holds items for an unconfigured peer", log.Peer(id))
		}
	}
	g.running = true
	for _, p := range g.peers {
		g.startLocked(p)
	}
	g.mu.Unlock()

	<-ctx.Done()
	g.Close()
	return nil
}

// Close stops every sender and backfill and closes all links.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	g.running = false
	for _, p := range g.peers {
		if p.link != nil {
			_ = p.link.Close()
			p.link = nil
		}
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) startLocked(p *peer) {
	if p.state == Banned {
		return
	}
	p.ctx, p.cancel = context.WithCancel(g.ctx)
	g.wg.Add(1)
	go func(ctx context.Context) {
		defer g.wg.Done()
		g.runPeer(ctx, p)
	}(p.ctx)
}

func (g *Gateway) peer(id string) *peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peers[id]
}

// Enqueue queues ev for peer. Locally authored events are signed first if
// they are not already.
func (g *Gateway) Enqueue(ctx context.Context, peerID string, ev event.Event) error {
	p := g.peer(peerID)
	if p == nil {
		return errs.ErrUnknownPeer
	}
	g.mu.Lock()
	banned := p.state == Banned
	g.mu.Unlock()
	if banned {
		return errs.ErrBanned
	}
	if ev.OriginServer == g.opts.Self && len(ev.Signature) == 0 {
		var err error
		if ev, err = g.signer.Sign(ev); err != nil {
			return err
		}
	}
	if _, err := g.outbox.Enqueue(ctx, peerID, ev, g.opts.Now()); err != nil {
		return err
	}
	g.mu.Lock()
	p.pending++
	n := p.pending
	g.mu.Unlock()
	g.metrics.OutboxPending(peerID, n)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (g *Gateway) runPeer(ctx context.Context, p *peer) {
	if n, err := g.outbox.Count(ctx, p.id); err == nil {
		g.setPending(p, n)
	}
	retry := time.NewTicker(g.opts.DegradedRetry)
	defer retry.Stop()
	for {
		g.flush(ctx, p)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-retry.C:
		}
	}
}

func (g *Gateway) setPending(p *peer, n int) {
	g.mu.Lock()
	p.pending = n
	g.mu.Unlock()
	g.metrics.OutboxPending(p.id, n)
}

// flush pushes queued items in order and stops at the first item that cannot
// be delivered, so a peer never sees a channel's events out of order.
func (g *Gateway) flush(ctx context.Context, p *peer) {
	if n, err := g.outbox.Trim(ctx, p.id, g.opts.Now()); err == nil && n > 0 {
		if c, err := g.outbox.Count(ctx, p.id); err == nil {
			g.setPending(p, c)
		}
	}
	for ctx.Err() == nil {
		items, err := g.outbox.Pending(ctx, p.id, flushBatch)
		if err != nil {
			g.logger.Warn("read outbox", log.Peer(p.id), log.Err(err))
			return
		}
		if len(items) == 0 {
			g.setPending(p, 0)
			return
		}
		for _, it := range items {
			err := g.deliver(ctx, p, it)
			if err != nil && errs.ClassOf(err) != errs.Invalid {
				if ctx.Err() == nil {
					g.degrade(p, err)
				}
				return
			}
			if err != nil {
				g.logger.Warn("peer rejected event; dropping it", log.Peer(p.id),
					log.Channel(it.Event.ChannelID), log.Uint64("origin_position", it.Event.OriginPosition), log.Err(err))
			}
			if err := g.outbox.Ack(ctx, p.id, it.Seq); err != nil {
				g.logger.Warn("ack outbox item", log.Peer(p.id), log.Err(err))
				return
			}
			g.recovered(p)
		}
	}
}

func (g *Gateway) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.RetryInitial
	b.MaxInterval = g.opts.RetryMax
	b.Multiplier = g.opts.RetryMultiplier
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.MaxAttempts-1)), ctx)
}

func (g *Gateway) deliver(ctx context.Context, p *peer, it Item) error {
	push := func() error {
		link, err := g.link(ctx, p)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
		defer cancel()
		if err := link.Push(sctx, it.Raw); err != nil {
			if errs.ClassOf(err) == errs.Invalid {
				return backoff.Permanent(err)
			}
			g.dropLink(p, link)
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		g.metrics.FederationSend(p.id, "retry")
		g.logger.Debug("push failed; retrying", log.Peer(p.id), log.Dur("wait", wait), log.Err(err))
		if updated, aerr := g.outbox.Attempted(ctx, p.id, it); aerr == nil {
			it = updated
		}
	}
	err := backoff.RetryNotify(push, g.backoff(ctx), notify)
	if err != nil {
		g.metrics.FederationSend(p.id, "failed")
		return err
	}
	g.metrics.FederationSend(p.id, "ok")
	return nil
}

func (g *Gateway) link(ctx context.Context, p *peer) (PeerLink, error) {
	g.mu.Lock()
	if p.link != nil {
		l := p.link
		g.mu.Unlock()
		return l, nil
	}
	addr := p.addr
	g.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, g.opts.ConnectTimeout)
	defer cancel()
	l, err := g.dialer.Dial(dctx, p.id, addr)
	if err != nil {
		return nil, errs.WrapTransient(err, "federation", "dial")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.link != nil {
		_ = l.Close()
		return p.link, nil
	}
	p.link = l
	return l, nil
}

func (g *Gateway) dropLink(p *peer, l PeerLink) {
	g.mu.Lock()
	if p.link == l {
		p.link = nil
	}
	g.mu.Unlock()
	_ = l.Close()
}

func (g *Gateway) degrade(p *peer, err error) {
	g.mu.Lock()
	was := p.state
	if p.state != Banned {
		p.state = Degraded
	}
	p.lastErr = err.Error()
	g.mu.Unlock()
	if was == Healthy {
		g.logger.Warn("peer degraded", log.Peer(p.id), log.Err(err))
	}
}

func (g *Gateway) recovered(p *peer) {
	g.mu.Lock()
	was := p.state
	if p.state == Degraded {
		p.state = Healthy
		p.lastErr = ""
	}
	if p.pending > 0 {
		p.pending--
	}
	n := p.pending
	g.mu.Unlock()
	g.metrics.OutboxPending(p.id, n)
	if was == Degraded {
		g.logger.Info("peer recovered", log.Peer(p.id))
	}
}

// HandleInbound verifies an event received from peer from and hands it to
// the coordinator. A bad signature penalizes from and returns errs.ErrForged;
// the event is never applied.
func (g *Gateway) HandleInbound(ctx context.Context, from string, raw []byte) error {
	if p := g.peer(from); p != nil {
		g.mu.Lock()
		banned := p.state == Banned
		g.mu.Unlock()
		if banned {
			return errs.WrapSecurity(errs.ErrBanned, "federation", "inbound")
		}
	}
	ev, err := event.Decode(raw)
	if err != nil {
		return errs.WrapInvalid(err, "federation", "inbound")
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.OriginServer == g.opts.Self {
		return errs.WrapInvalid(fmt.Errorf("event claims this server as origin"), "federation", "inbound")
	}
	pub, err := g.keys.Lookup(ctx, ev.OriginServer)
	switch {
	case errors.Is(err, errs.ErrRevokedKey):
		g.penalize(from, ev)
		return errs.WrapSecurity(errs.ErrForged, "federation", "inbound")
	case err != nil:
		return err
	}
	if err := Verify(pub, ev); err != nil {
		g.penalize(from, ev)
		return err
	}
	if g.acceptor == nil {
		return errs.ErrClosed
	}
	out, err := g.acceptor.AcceptForeign(ctx, from, ev)
	if err != nil {
		return err
	}
	if !out.Accepted {
		g.logger.Debug("foreign event not applied", log.Peer(from), log.Channel(ev.ChannelID),
			log.Uint64("origin_position", ev.OriginPosition), log.Str("reason", string(out.Reason)))
	}
	return nil
}

func (g *Gateway) penalize(from string, ev event.Event) {
	g.metrics.Forged(from)
	g.logger.Warn("discarding forged event", log.Peer(from), log.Str("origin", ev.OriginServer),
		log.Channel(ev.ChannelID), log.Uint64("origin_position", ev.OriginPosition))
	p := g.peer(from)
	if p == nil {
		return
	}
	g.mu.Lock()
	p.penalties++
	ban := p.penalties >= g.opts.PenaltyThreshold && p.state != Banned
	var link PeerLink
	if ban {
		p.state = Banned
		p.lastErr = errs.ErrBanned.Error()
		link, p.link = p.link, nil
		if p.cancel != nil {
			p.cancel()
		}
	}
	g.mu.Unlock()
	if ban {
		g.logger.Error("peer banned", log.Peer(from), log.Int("penalties", g.opts.PenaltyThreshold))
		if link != nil {
			_ = link.Close()
		}
	}
}

// RequestBackfill asks the origin (or, failing that, any usable peer) for
// events [from, to] of channel. It returns immediately.
func (g *Gateway) RequestBackfill(channel, origin string, from, to uint64) {
	p := g.backfillPeer(origin)
	if p == nil {
		g.logger.Warn("no peer to backfill from", log.Channel(channel), log.Str("origin", origin))
		return
	}
	g.mu.Lock()
	ctx := p.ctx
	g.mu.Unlock()
	if ctx == nil {
		ctx = g.ctx
	}
	req := BackfillRequest{Channel: channel, Origin: origin, From: from, To: to}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.backfill(ctx, p, req)
	}()
}

func (g *Gateway) backfillPeer(origin string) *peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.peers[origin]; ok && p.state != Banned {
		return p
	}
	ids := make([]string, 0, len(g.peers))
	for id, p := range g.peers {
		if p.state == Healthy {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return g.peers[ids[0]]
}

func (g *Gateway) backfill(ctx context.Context, p *peer, req BackfillRequest) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.BackfillTimeout)
	defer cancel()
	logger := g.logger.With(log.Peer(p.id), log.Channel(req.Channel), log.Str("origin", req.Origin))

	link, err := g.link(ctx, p)
	if err != nil {
		logger.Warn("backfill dial failed", log.Err(err))
		return
	}
	stream, err := link.Backfill(ctx, req)
	if err != nil {
		logger.Warn("backfill request failed", log.Err(err))
		g.degrade(p, err)
		return
	}
	n := 0
	for {
		raw, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("backfill stream failed", log.Int("received", n), log.Err(err))
			}
			return
		}
		if err := g.HandleInbound(ctx, p.id, raw); err != nil {
			logger.Warn("backfilled event refused", log.Err(err))
			if errs.IsSecurity(err) {
				return
			}
			continue
		}
		n++
	}
	logger.Debug("backfill complete", log.Uint64("from", req.From), log.Uint64("to", req.To), log.Int("received", n))
}

// ResetPeer abandons origin's in-flight work, drops its link and resyncs
// channel from watermark+1.
func (g *Gateway) ResetPeer(origin, channel string, watermark uint64) {
	g.mu.Lock()
	p, ok := g.peers[origin]
	var link PeerLink
	if ok {
		if p.cancel != nil {
			p.cancel()
		}
		link, p.link = p.link, nil
		if g.running {
			g.startLocked(p)
		}
	}
	g.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
	g.logger.Warn("resetting peer", log.Str("origin", origin), log.Channel(channel), log.Uint64("watermark", watermark))
	g.RequestBackfill(channel, origin, watermark+1, 0)
}

// ServeBackfill answers a backfill request from requester out of the local
// log. Only peers that share the channel may read it.
func (g *Gateway) ServeBackfill(ctx context.Context, requester string, req BackfillRequest) (*eventlog.Cursor, error) {
	ch, err := g.log.Channel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(ch.Peers, requester) {
		g.logger.Warn("backfill from a peer that does not share the channel", log.Peer(requester), log.Channel(req.Channel))
		return nil, errs.WrapSecurity(fmt.Errorf("%w: %s does not share %s", errs.ErrUnknownPeer, requester, req.Channel), "federation", "backfill")
	}
	from := req.From
	if from == 0 {
		from = 1
	}
	return g.log.ReadOrigin(ctx, req.Channel, req.Origin, from), nil
}

// StreamBackfill encodes the events of cur up to origin position to (all
// when zero) and hands each to send.
func StreamBackfill(cur *eventlog.Cursor, to uint64, send func([]byte) error) error {
	defer cur.Close()
	for cur.Next() {
		ev := cur.Event()
		if to > 0 && ev.OriginPosition > to {
			break
		}
		raw, err := event.Encode(ev)
		if err != nil {
			return err
		}
		if err := send(raw); err != nil {
			return err
		}
	}
	return cur.Err()
}

// Peers returns a status snapshot of every peer, sorted by id.
func (g *Gateway) Peers() []PeerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PeerStatus, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, PeerStatus{
			ID: p.id, Addr: p.addr, State: p.state, Pending: p.pending,
			Penalties: p.penalties, LastError: p.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
