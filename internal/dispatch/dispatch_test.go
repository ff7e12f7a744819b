package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/pkg/log"
)

type fakeFanout struct {
	mu    sync.Mutex
	seen  []uint64
	peers map[string][]string
}

func (f *fakeFanout) Broadcast(ev event.Event) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, ev.LocalPosition)
	return 1, 0
}

func (f *fakeFanout) Peers(channel string) []string { return f.peers[channel] }

type fakeOutbox struct {
	mu   sync.Mutex
	sent map[string][]uint64
	fail string
}

func (o *fakeOutbox) Enqueue(_ context.Context, peer string, ev event.Event) error {
	if peer == o.fail {
		return errors.New("disk full")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sent == nil {
		o.sent = make(map[string][]uint64)
	}
	o.sent[peer] = append(o.sent[peer], ev.LocalPosition)
	return nil
}

func quiet() log.Logger { return log.NewLogger(log.WithOutput(log.NullOutput{})) }

func msg(origin string, pos uint64) event.Event {
	return event.Event{
		ChannelID: "general", OriginServer: origin, LocalPosition: pos, OriginPosition: pos,
		Author: "alice", Payload: event.Message{Content: "hi"}, Timestamp: time.Unix(1700000000, 0),
	}
}

func TestDispatchSkipsOriginPeer(t *testing.T) {
	fan := &fakeFanout{peers: map[string][]string{"general": {"beta", "gamma"}}}
	out := &fakeOutbox{}
	d := New(fan, out, Options{Logger: quiet()})

	rep := d.Dispatch(context.Background(), msg("self", 1))
	assert.Equal(t, []string{"beta", "gamma"}, rep.Peers)
	assert.Equal(t, 1, rep.Delivered)

	rep = d.Dispatch(context.Background(), msg("beta", 2))
	assert.Equal(t, []string{"gamma"}, rep.Peers)

	assert.Equal(t, []uint64{1}, out.sent["beta"])
	assert.Equal(t, []uint64{1, 2}, out.sent["gamma"])
	assert.Equal(t, []uint64{1, 2}, fan.seen)
}

func TestDispatchSurvivesEnqueueFailure(t *testing.T) {
	fan := &fakeFanout{peers: map[string][]string{"general": {"beta", "gamma"}}}
	out := &fakeOutbox{fail: "beta"}
	d := New(fan, out, Options{Logger: quiet()})

	rep := d.Dispatch(context.Background(), msg("self", 1))
	assert.Equal(t, []string{"gamma"}, rep.Peers)
}

func TestDispatchWithoutFederation(t *testing.T) {
	fan := &fakeFanout{peers: map[string][]string{"general": {"beta"}}}
	d := New(fan, nil, Options{Logger: quiet()})
	rep := d.Dispatch(context.Background(), msg("self", 1))
	assert.Empty(t, rep.Peers)
	assert.Equal(t, []uint64{1}, fan.seen)
}

func TestMediaNotifierPublishesVoiceMembership(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMediaBus(quiet(), 8)
	defer bus.Close()
	notices, err := bus.Subscribe(ctx, VoiceTopic)
	require.NoError(t, err)

	d := New(&fakeFanout{}, nil, Options{Logger: quiet()})
	d.AddSink(NewMediaNotifier(bus))
	d.Start(ctx)
	defer d.Stop(time.Second)

	text := msg("self", 1)
	join := msg("self", 2)
	join.Payload = event.MembershipChange{Member: "bob", Action: event.ActionJoin, Voice: true}
	plain := msg("self", 3)
	plain.Payload = event.MembershipChange{Member: "carol", Action: event.ActionJoin}

	d.Dispatch(ctx, text)
	d.Dispatch(ctx, join)
	d.Dispatch(ctx, plain)

	select {
	case m := <-notices:
		m.Ack()
		var n VoiceNotice
		require.NoError(t, json.Unmarshal(m.Payload, &n))
		assert.Equal(t, "bob", n.Member)
		assert.Equal(t, "join", n.Action)
		assert.Equal(t, uint64(2), n.Position)
		assert.Equal(t, "general", m.Metadata.Get("channel"))
	case <-time.After(2 * time.Second):
		t.Fatal("no voice notice published")
	}

	select {
	case m := <-notices:
		t.Fatalf("unexpected notice %s", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) Name() string             { return "slow" }
func (b blockingSink) Accepts(event.Event) bool { return true }

func (b blockingSink) Notify(ctx context.Context, _ event.Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowSinkNeverBlocksDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := blockingSink{release: make(chan struct{})}
	d := New(&fakeFanout{}, nil, Options{Logger: quiet(), SinkWorkers: 1, SinkQueue: 1})
	d.AddSink(sink)
	d.Start(ctx)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 10; i++ {
			d.Dispatch(ctx, msg("self", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a slow sink")
	}
	assert.Greater(t, d.pool.Stats().Rejected, int64(0))
	close(sink.release)
	require.NoError(t, d.Stop(time.Second))
}

func TestVoiceChangeBeforeStartIsPublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMediaBus(quiet(), 8)
	defer bus.Close()
	notices, err := bus.Subscribe(ctx, VoiceTopic)
	require.NoError(t, err)

	d := New(&fakeFanout{}, nil, Options{Logger: quiet()})
	d.AddSink(NewMediaNotifier(bus))

	join := msg("self", 1)
	join.Payload = event.MembershipChange{Member: "bob", Action: event.ActionJoin, Voice: true}
	d.Dispatch(ctx, join)
	assert.Zero(t, d.pool.Stats().Rejected)

	d.Start(ctx)
	defer d.Stop(time.Second)
	select {
	case m := <-notices:
		m.Ack()
		var n VoiceNotice
		require.NoError(t, json.Unmarshal(m.Payload, &n))
		assert.Equal(t, "bob", n.Member)
	case <-time.After(2 * time.Second):
		t.Fatal("voice change committed before start was lost")
	}
}
