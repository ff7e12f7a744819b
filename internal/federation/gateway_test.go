package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chorus/internal/causality"
	"github.com/rzbill/chorus/internal/coordinator"
	"github.com/rzbill/chorus/internal/dispatch"
	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/storage/storagetest"
	"github.com/rzbill/chorus/internal/subscription"
	"github.com/rzbill/chorus/pkg/log"
)

// memNet connects gateways in-process. A server marked down refuses dials
// and pushes.
type memNet struct {
	mu    sync.Mutex
	nodes map[string]*node
	down  map[string]bool
}

func newMemNet() *memNet { return &memNet{nodes: map[string]*node{}, down: map[string]bool{}} }

func (n *memNet) setDown(name string, down bool) {
	n.mu.Lock()
	n.down[name] = down
	n.mu.Unlock()
}

func (n *memNet) target(name string) (*node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[name] {
		return nil, fmt.Errorf("%s unreachable", name)
	}
	nd, ok := n.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%s unknown", name)
	}
	return nd, nil
}

type memDialer struct {
	net  *memNet
	from string
}

func (d memDialer) Dial(_ context.Context, peer, _ string) (PeerLink, error) {
	if _, err := d.net.target(peer); err != nil {
		return nil, err
	}
	return &memLink{net: d.net, from: d.from, to: peer}, nil
}

type memLink struct {
	net      *memNet
	from, to string
}

func (l *memLink) Push(ctx context.Context, raw []byte) error {
	nd, err := l.net.target(l.to)
	if err != nil {
		return err
	}
	return nd.gw.HandleInbound(ctx, l.from, raw)
}

func (l *memLink) Backfill(ctx context.Context, req BackfillRequest) (BackfillStream, error) {
	nd, err := l.net.target(l.to)
	if err != nil {
		return nil, err
	}
	cur, err := nd.gw.ServeBackfill(ctx, l.from, req)
	if err != nil {
		return nil, err
	}
	s := &sliceStream{}
	err = StreamBackfill(cur, req.To, func(raw []byte) error {
		s.items = append(s.items, raw)
		return nil
	})
	return s, err
}

func (l *memLink) Close() error { return nil }

type sliceStream struct{ items [][]byte }

func (s *sliceStream) Recv() ([]byte, error) {
	if len(s.items) == 0 {
		return nil, io.EOF
	}
	raw := s.items[0]
	s.items = s.items[1:]
	return raw, nil
}

type node struct {
	name   string
	key    ed25519.PrivateKey
	log    *eventlog.Log
	reg    *subscription.Registry
	gw     *Gateway
	coord  *coordinator.Coordinator
	cancel context.CancelFunc
	done   chan struct{}
}

func fastOptions(self string, logger log.Logger) Options {
	return Options{
		Self:             self,
		Logger:           logger,
		RetryInitial:     2 * time.Millisecond,
		RetryMax:         10 * time.Millisecond,
		MaxAttempts:      2,
		SendTimeout:      time.Second,
		DegradedRetry:    20 * time.Millisecond,
		PenaltyThreshold: 3,
	}
}

func newNode(t *testing.T, net *memNet, name string, peers ...string) *node {
	t.Helper()
	logger := log.NewLogger(log.WithOutput(log.NullOutput{}))
	db := storagetest.NewMemEngine(t)
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	l := eventlog.Open(db, eventlog.Options{Logger: logger})
	_, err = l.EnsureChannel(context.Background(), eventlog.Channel{ID: "general", Peers: peers})
	require.NoError(t, err)
	reg := subscription.New(l, logger, nil)
	tracker := causality.New(db, causality.Options{Logger: logger})
	signer := NewSigner(name, key)
	gw := NewGateway(signer, NewKeyStore(db), NewOutbox(db, time.Hour, logger), l, memDialer{net: net, from: name}, fastOptions(name, logger))
	d := dispatch.New(reg, gw, dispatch.Options{Logger: logger})
	coord := coordinator.New(l, tracker, signer, d, coordinator.Options{Self: name, Logger: logger})
	gw.SetAcceptor(coord)
	tracker.SetFederation(gw, gw)
	for _, p := range peers {
		reg.AddPeer("general", p)
		gw.AddPeer(p, p+":8448")
	}

	nd := &node{name: name, key: key, log: l, reg: reg, gw: gw, coord: coord}
	net.mu.Lock()
	net.nodes[name] = nd
	net.mu.Unlock()
	return nd
}

func (n *node) start() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel, n.done = cancel, make(chan struct{})
	go func() {
		defer close(n.done)
		_ = n.gw.Run(ctx)
	}()
}

func (n *node) stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
}

func trustAll(t *testing.T, nodes ...*node) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				require.NoError(t, a.gw.keys.Trust(context.Background(), b.name, b.key.Public().(ed25519.PublicKey)))
			}
		}
	}
}

func contents(t *testing.T, l *eventlog.Log) []string {
	evs, err := l.ReadRange(context.Background(), "general", 1, 0).Collect()
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Payload.(event.Message).Content
	}
	return out
}

func status(gw *Gateway, peer string) PeerStatus {
	for _, s := range gw.Peers() {
		if s.ID == peer {
			return s
		}
	}
	return PeerStatus{}
}

func TestEventsReplicateToPeer(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	beta := newNode(t, net, "beta", "alpha")
	trustAll(t, alpha, beta)
	alpha.start()
	beta.start()
	defer alpha.stop()
	defer beta.stop()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := alpha.coord.Commit(ctx, "general", "alice", event.Message{Content: fmt.Sprint("a", i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(contents(t, beta.log)) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2", "a3"}, contents(t, beta.log))

	// beta's own writes flow back, and alpha's events are not echoed.
	_, err := beta.coord.Commit(ctx, "general", "bob", event.Message{Content: "b1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(contents(t, alpha.log)) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2", "a3", "b1"}, contents(t, alpha.log))
	require.Eventually(t, func() bool { return status(alpha.gw, "beta").Pending == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, contents(t, beta.log), 4)
}

func TestForgedEventIsNeverAppended(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	beta := newNode(t, net, "beta", "alpha")
	trustAll(t, alpha, beta)

	_, wrong, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	forger := NewSigner("beta", wrong)

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		ev, err := forger.Sign(event.Event{
			ChannelID: "general", OriginServer: "beta", OriginPosition: i, Author: "mallory",
			Payload: event.Message{Content: "spoof"}, Timestamp: time.Unix(1700000000, 0),
		})
		require.NoError(t, err)
		raw, err := event.Encode(ev)
		require.NoError(t, err)
		err = alpha.gw.HandleInbound(ctx, "beta", raw)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrForged))
		assert.True(t, errs.IsSecurity(err))
	}

	head, err := alpha.log.TailPosition(ctx, "general")
	require.NoError(t, err)
	assert.Zero(t, head)

	st := status(alpha.gw, "beta")
	assert.Equal(t, Banned, st.State)
	assert.Equal(t, 3, st.Penalties)

	genuine, err := beta.gw.signer.Sign(event.Event{
		ChannelID: "general", OriginServer: "beta", OriginPosition: 1, Author: "bob",
		Payload: event.Message{Content: "real"}, Timestamp: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	raw, err := event.Encode(genuine)
	require.NoError(t, err)
	err = alpha.gw.HandleInbound(ctx, "beta", raw)
	assert.True(t, errors.Is(err, errs.ErrBanned))
	assert.True(t, errors.Is(alpha.gw.Enqueue(ctx, "beta", genuine), errs.ErrBanned))
}

func TestUnknownOriginIsRejected(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ev, err := NewSigner("gamma", key).Sign(event.Event{
		ChannelID: "general", OriginServer: "gamma", OriginPosition: 1, Author: "g",
		Payload: event.Message{Content: "hi"},
	})
	require.NoError(t, err)
	raw, err := event.Encode(ev)
	require.NoError(t, err)
	err = alpha.gw.HandleInbound(context.Background(), "beta", raw)
	assert.True(t, errors.Is(err, errs.ErrUnknownPeer))
	assert.Equal(t, 0, status(alpha.gw, "beta").Penalties)
}

func TestDegradedPeerKeepsQueueAndRecovers(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	beta := newNode(t, net, "beta", "alpha")
	trustAll(t, alpha, beta)
	net.setDown("beta", true)
	alpha.start()
	defer alpha.stop()

	ctx := context.Background()
	_, err := alpha.coord.Commit(ctx, "general", "alice", event.Message{Content: "while-down"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status(alpha.gw, "beta").State == Degraded }, 2*time.Second, 5*time.Millisecond)
	st := status(alpha.gw, "beta")
	assert.Equal(t, 1, st.Pending)
	assert.NotEmpty(t, st.LastError)

	net.setDown("beta", false)
	_, err = alpha.coord.Commit(ctx, "general", "alice", event.Message{Content: "after"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(contents(t, beta.log)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"while-down", "after"}, contents(t, beta.log))
	require.Eventually(t, func() bool { return status(alpha.gw, "beta").State == Healthy }, time.Second, 5*time.Millisecond)
}

func TestGapIsBackfilledFromOrigin(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	beta := newNode(t, net, "beta", "alpha")
	trustAll(t, alpha, beta)

	// alpha writes while beta is unreachable and never retries in time.
	ctx := context.Background()
	var last event.Event
	for i := 1; i <= 3; i++ {
		ev, err := alpha.coord.Commit(ctx, "general", "alice", event.Message{Content: fmt.Sprint("a", i)})
		require.NoError(t, err)
		last = ev
	}

	beta.start()
	defer beta.stop()
	raw, err := event.Encode(last)
	require.NoError(t, err)
	require.NoError(t, beta.gw.HandleInbound(ctx, "alpha", raw))

	require.Eventually(t, func() bool { return len(contents(t, beta.log)) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2", "a3"}, contents(t, beta.log))
}

func TestServeBackfillBoundsRange(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := alpha.coord.Commit(ctx, "general", "alice", event.Message{Content: fmt.Sprint("a", i)})
		require.NoError(t, err)
	}
	var got []uint64
	cur, err := alpha.gw.ServeBackfill(ctx, "beta", BackfillRequest{Channel: "general", Origin: "alpha", From: 2, To: 4})
	require.NoError(t, err)
	err = StreamBackfill(cur, 4,
		func(raw []byte) error {
			ev, err := event.Decode(raw)
			if err != nil {
				return err
			}
			got = append(got, ev.OriginPosition)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, got)
}

func TestServeBackfillRefusesNonSharingPeer(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	ctx := context.Background()
	_, err := alpha.coord.Commit(ctx, "general", "alice", event.Message{Content: "a1"})
	require.NoError(t, err)

	_, err = alpha.gw.ServeBackfill(ctx, "gamma", BackfillRequest{Channel: "general", Origin: "alpha", From: 1})
	require.Error(t, err)
	assert.True(t, errs.IsSecurity(err))
	_, err = alpha.gw.ServeBackfill(ctx, "beta", BackfillRequest{Channel: "nowhere", Origin: "alpha", From: 1})
	assert.True(t, errors.Is(err, errs.ErrUnknownChannel))
}

func TestRelayFromNonSharingPeerIsNotApplied(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	beta := newNode(t, net, "beta", "alpha")
	trustAll(t, alpha, beta)
	ctx := context.Background()

	ev, err := beta.gw.signer.Sign(event.Event{
		ChannelID: "general", OriginServer: "beta", OriginPosition: 1, Author: "bob",
		Payload: event.Message{Content: "b1"}, Timestamp: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	raw, err := event.Encode(ev)
	require.NoError(t, err)

	// A correctly signed beta event relayed by gamma, which alpha does not
	// share the channel with.
	require.NoError(t, alpha.gw.HandleInbound(ctx, "gamma", raw))
	head, err := alpha.log.TailPosition(ctx, "general")
	require.NoError(t, err)
	assert.Zero(t, head)

	require.NoError(t, alpha.gw.HandleInbound(ctx, "beta", raw))
	assert.Equal(t, []string{"b1"}, contents(t, alpha.log))
}

func TestReactionTargetsSurviveFederation(t *testing.T) {
	net := newMemNet()
	alpha := newNode(t, net, "alpha", "beta")
	beta := newNode(t, net, "beta", "alpha")
	trustAll(t, alpha, beta)
	ctx := context.Background()

	// Each server stores its own message first, so local positions differ.
	b1, err := beta.coord.Commit(ctx, "general", "bob", event.Message{Content: "b1"})
	require.NoError(t, err)
	a1, err := alpha.coord.Commit(ctx, "general", "alice", event.Message{Content: "a1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), b1.LocalPosition)
	require.Equal(t, uint64(1), a1.LocalPosition)

	alpha.start()
	beta.start()
	defer alpha.stop()
	defer beta.stop()
	heads := func() bool {
		ha, _ := alpha.log.TailPosition(ctx, "general")
		hb, _ := beta.log.TailPosition(ctx, "general")
		return ha == 2 && hb == 2
	}
	require.Eventually(t, heads, 2*time.Second, 5*time.Millisecond)

	// On beta, a1 sits at local position 2; on alpha, position 2 is b1.
	onBeta, err := beta.log.Resolve(ctx, "general", a1.Ref())
	require.NoError(t, err)
	require.Equal(t, uint64(2), onBeta.LocalPosition)

	reaction, err := beta.coord.Commit(ctx, "general", "bob", event.Reaction{Target: a1.Ref(), Emoji: "+1", Add: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := alpha.log.Resolve(ctx, "general", reaction.Ref())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	got, err := alpha.log.Resolve(ctx, "general", reaction.Ref())
	require.NoError(t, err)
	target, err := alpha.log.Resolve(ctx, "general", got.Payload.(event.Reaction).Target)
	require.NoError(t, err)
	assert.Equal(t, "a1", target.Payload.(event.Message).Content)
	assert.Equal(t, uint64(1), target.LocalPosition)
}
