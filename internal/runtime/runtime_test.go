package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/chorus/internal/config"
	"github.com/rzbill/chorus/internal/dispatch"
	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/federation"
	"github.com/rzbill/chorus/pkg/log"
)

func quiet() log.Logger { return log.NewLogger(log.WithOutput(log.NullOutput{})) }

func memoryConfig() cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.Server.Name = "alpha"
	cfg.Storage.Backend = "memory"
	cfg.Storage.DataDir = ""
	cfg.Federation.Peers = []cfgpkg.PeerConfig{{Name: "beta", Addr: "beta:8448"}}
	return cfg
}

func openMemory(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), Options{Config: memoryConfig(), Logger: quiet()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := openMemory(t)
	require.NoError(t, rt.CheckHealth(context.Background()))
	require.NoError(t, rt.Close())
	assert.Error(t, rt.CheckHealth(context.Background()))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.Name = ""
	_, err := Open(context.Background(), Options{Config: cfg, Logger: quiet()})
	require.Error(t, err)
}

func TestCommitThroughRuntime(t *testing.T) {
	rt := openMemory(t)
	ctx := context.Background()
	_, err := rt.CreateChannel(ctx, eventlog.Channel{ID: "general"})
	require.NoError(t, err)

	ev, err := rt.Coordinator().Commit(ctx, "general", "alice", event.Message{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.LocalPosition)
	assert.Equal(t, "alpha", ev.OriginServer)
	require.NoError(t, federation.Verify(rt.Signer().PublicKey(), ev))

	tail, err := rt.Log().TailPosition(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tail)
}

func TestSharePeer(t *testing.T) {
	rt := openMemory(t)
	ctx := context.Background()
	_, err := rt.CreateChannel(ctx, eventlog.Channel{ID: "general"})
	require.NoError(t, err)

	err = rt.SharePeer(ctx, "general", "gamma")
	require.ErrorIs(t, err, errs.ErrUnknownPeer)
	require.Error(t, rt.SharePeer(ctx, "general", "alpha"))

	require.NoError(t, rt.SharePeer(ctx, "general", "beta"))
	require.NoError(t, rt.SharePeer(ctx, "general", "beta"))
	assert.Equal(t, []string{"beta"}, rt.Registry().Peers("general"))
	ch, err := rt.Log().Channel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, ch.Peers)

	// Shared channels now fan out to the peer's outbox.
	_, err = rt.Coordinator().Commit(ctx, "general", "alice", event.Message{Content: "hi"})
	require.NoError(t, err)
	st := rt.Gateway().Peers()
	require.Len(t, st, 1)
	assert.Equal(t, 1, st[0].Pending)

	require.NoError(t, rt.UnsharePeer(ctx, "general", "beta"))
	assert.Empty(t, rt.Registry().Peers("general"))
}

func TestSigningKeyPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := memoryConfig()
	cfg.Storage.Backend = "pebble"
	cfg.Storage.DataDir = dir

	rt, err := Open(context.Background(), Options{Config: cfg, Logger: quiet()})
	require.NoError(t, err)
	first := rt.Signer().PublicKey()
	require.NoError(t, rt.Close())

	rt, err = Open(context.Background(), Options{Config: cfg, Logger: quiet()})
	require.NoError(t, err)
	defer rt.Close()
	assert.True(t, first.Equal(rt.Signer().PublicKey()))
}

func TestConfiguredPeerKeysAreTrusted(t *testing.T) {
	dir := t.TempDir()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := memoryConfig()
	cfg.Storage.Backend = "bbolt"
	cfg.Storage.DataDir = dir
	cfg.Federation.Peers[0].PublicKey = federation.EncodePublicKey(pub)

	rt, err := Open(context.Background(), Options{Config: cfg, Logger: quiet()})
	require.NoError(t, err)
	got, err := rt.KeyStore().Lookup(context.Background(), "beta")
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))
	require.NoError(t, rt.Close())

	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg.Federation.Peers[0].PublicKey = federation.EncodePublicKey(other)
	_, err = Open(context.Background(), Options{Config: cfg, Logger: quiet()})
	require.ErrorIs(t, err, errs.ErrKeyConflict)
}

func TestVoiceMembershipReachesMediaBus(t *testing.T) {
	rt := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Committed before Run starts the sink workers.
	msgs, err := rt.MediaBus().Subscribe(ctx, dispatch.VoiceTopic)
	require.NoError(t, err)
	_, err = rt.CreateChannel(ctx, eventlog.Channel{ID: "lounge"})
	require.NoError(t, err)
	_, err = rt.Coordinator().Commit(ctx, "lounge", "alice", event.MembershipChange{Member: "alice", Action: event.ActionJoin, Voice: true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	select {
	case msg := <-msgs:
		msg.Ack()
		var notice dispatch.VoiceNotice
		require.NoError(t, json.Unmarshal(msg.Payload, &notice))
		assert.Equal(t, "lounge", notice.Channel)
		assert.Equal(t, "join", notice.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("no voice notice published")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	rt := openMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rt.Run(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run: %v", err)
	}
}

func TestPeriodicIntegrityCheck(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.VerifyInterval = 10 * time.Millisecond
	rt, err := Open(context.Background(), Options{Config: cfg, Logger: quiet()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	_, err = rt.CreateChannel(ctx, eventlog.Channel{ID: "general"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = rt.Coordinator().Commit(ctx, "general", "alice", event.Message{Content: "m"})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(rt.Metrics().Registry, "chorus_storage_integrity_records_total")
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	reps, err := rt.VerifyStorage(context.Background())
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, 3, reps[0].Checked)
}
