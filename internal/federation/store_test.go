package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/internal/storage/storagetest"
	"github.com/rzbill/chorus/pkg/log"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	_, k, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return k
}

func TestKeyStoreTrustIsImmutable(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewMemEngine(t)
	ks := NewKeyStore(db)
	k1 := newKey(t).Public().(ed25519.PublicKey)
	k2 := newKey(t).Public().(ed25519.PublicKey)

	_, err := ks.Lookup(ctx, "beta")
	assert.True(t, errors.Is(err, errs.ErrUnknownPeer))

	require.NoError(t, ks.Trust(ctx, "beta", k1))
	require.NoError(t, ks.Trust(ctx, "beta", k1))
	err = ks.Trust(ctx, "beta", k2)
	assert.True(t, errors.Is(err, errs.ErrKeyConflict))

	got, err := NewKeyStore(db).Lookup(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, k1, got)
}

func TestKeyStoreRevoke(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewMemEngine(t)
	ks := NewKeyStore(db)
	pub := newKey(t).Public().(ed25519.PublicKey)

	assert.True(t, errors.Is(ks.Revoke(ctx, "beta"), errs.ErrUnknownPeer))
	require.NoError(t, ks.Trust(ctx, "beta", pub))
	require.NoError(t, ks.Revoke(ctx, "beta"))

	_, err := NewKeyStore(db).Lookup(ctx, "beta")
	assert.True(t, errors.Is(err, errs.ErrRevokedKey))
	assert.True(t, errors.Is(ks.Trust(ctx, "beta", pub), errs.ErrRevokedKey))
}

func TestSignAndVerify(t *testing.T) {
	key := newKey(t)
	s := NewSigner("alpha", key)
	ev, err := s.Sign(event.Event{
		ChannelID: "general", OriginServer: "alpha", OriginPosition: 1, LocalPosition: 7,
		Author: "alice", Payload: event.Message{Content: "hi"},
	})
	require.NoError(t, err)
	require.NoError(t, Verify(s.PublicKey(), ev))

	ev.LocalPosition = 42
	assert.NoError(t, Verify(s.PublicKey(), ev), "local position is not signed")

	tampered := ev
	tampered.Payload = event.Message{Content: "bye"}
	assert.True(t, errors.Is(Verify(s.PublicKey(), tampered), errs.ErrForged))

	unsigned := ev
	unsigned.Signature = nil
	assert.True(t, errors.Is(Verify(s.PublicKey(), unsigned), errs.ErrForged))
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "server.key")
	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, k1.Equal(k2))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = LoadOrCreateKey(path)
	assert.Error(t, err)
}

func TestPublicKeyEncoding(t *testing.T) {
	pub := newKey(t).Public().(ed25519.PublicKey)
	got, err := ParsePublicKey(EncodePublicKey(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, got)
	_, err = ParsePublicKey("AAAA")
	assert.Error(t, err)
}

func outboxEvent(opos uint64) event.Event {
	return event.Event{
		ChannelID: "general", OriginServer: "alpha", OriginPosition: opos, LocalPosition: opos,
		Author: "alice", Payload: event.Message{Content: "hi"}, Signature: []byte("sig"),
	}
}

func quietLogger() log.Logger { return log.NewLogger(log.WithOutput(log.NullOutput{})) }

func TestOutboxOrderAckAndRestart(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewMemEngine(t)
	now := time.Unix(1700000000, 0)
	ob := NewOutbox(db, time.Hour, quietLogger())

	for i := uint64(1); i <= 3; i++ {
		seq, err := ob.Enqueue(ctx, "beta", outboxEvent(i), now)
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}
	_, err := ob.Enqueue(ctx, "gamma", outboxEvent(1), now)
	require.NoError(t, err)

	items, err := ob.Pending(ctx, "beta", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, uint64(1), items[0].Event.OriginPosition)
	assert.Equal(t, uint64(2), items[1].Seq)

	require.NoError(t, ob.Ack(ctx, "beta", 1))
	it, err := ob.Attempted(ctx, "beta", items[1])
	require.NoError(t, err)
	assert.Equal(t, 1, it.Attempts)

	reopened := NewOutbox(db, time.Hour, quietLogger())
	items, err = reopened.Pending(ctx, "beta", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Attempts)
	seq, err := reopened.Enqueue(ctx, "beta", outboxEvent(4), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	peers, err := reopened.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "gamma"}, peers)
}

func TestOutboxTrimDropsExpired(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewMemEngine(t)
	ob := NewOutbox(db, time.Hour, quietLogger())
	start := time.Unix(1700000000, 0)

	_, err := ob.Enqueue(ctx, "beta", outboxEvent(1), start)
	require.NoError(t, err)
	_, err = ob.Enqueue(ctx, "beta", outboxEvent(2), start.Add(50*time.Minute))
	require.NoError(t, err)

	n, err := ob.Trim(ctx, "beta", start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	count, err := ob.Count(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOutboxQuarantinesCorruptItems(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewMemEngine(t)
	ob := NewOutbox(db, time.Hour, quietLogger())
	for i := uint64(1); i <= 2; i++ {
		_, err := ob.Enqueue(ctx, "beta", outboxEvent(i), time.Now())
		require.NoError(t, err)
	}
	require.NoError(t, db.PutBatch(ctx, []storage.Entry{storage.Put(outboxItemKey("beta", 1), []byte("junk"))}))

	items, err := ob.Pending(ctx, "beta", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(2), items[0].Seq)

	raw, err := db.Get(ctx, storage.QuarantineKey(outboxItemKey("beta", 1)))
	require.NoError(t, err)
	assert.Equal(t, []byte("junk"), raw)
}
