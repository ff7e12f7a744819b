// Package storagetest provides a conformance suite every storage.Engine
// backend runs, and a fault-injecting Engine wrapper for failure-path tests.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/storage"
)

// Factory opens a fresh, empty engine for one subtest.
type Factory func(t *testing.T) storage.Engine

// Run exercises the storage.Engine contract against engines built by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("BatchAtomicVisibility", func(t *testing.T) { testBatch(t, open(t)) })
	t.Run("ScanPrefixOrder", func(t *testing.T) { testScanOrder(t, open(t)) })
	t.Run("ScanResume", func(t *testing.T) { testScanResume(t, open(t)) })
	t.Run("ScanLimit", func(t *testing.T) { testScanLimit(t, open(t)) })
	t.Run("Quarantine", func(t *testing.T) { testQuarantine(t, open(t)) })
}

func collect(t *testing.T, it storage.Iterator) []string {
	t.Helper()
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Err())
	return out
}

func testGetMissing(t *testing.T, e storage.Engine) {
	_, err := e.Get(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testBatch(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	require.NoError(t, e.PutBatch(ctx, []storage.Entry{
		storage.Put([]byte("a"), []byte("1")),
		storage.Put([]byte("b"), []byte("2")),
	}))
	v, err := e.Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	require.NoError(t, e.PutBatch(ctx, []storage.Entry{
		storage.Del([]byte("a")),
		storage.Put([]byte("b"), []byte("3")),
	}))
	_, err = e.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	v, err = e.Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(v))
}

func testScanOrder(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	require.NoError(t, e.PutBatch(ctx, []storage.Entry{
		storage.Put([]byte("ch/b/2"), []byte("y")),
		storage.Put([]byte("ch/a/2"), []byte("b")),
		storage.Put([]byte("ch/a/1"), []byte("a")),
		storage.Put([]byte("ch/a0"), []byte("z")),
	}))
	got := collect(t, e.Scan(ctx, []byte("ch/a/"), nil, 0))
	assert.Equal(t, []string{"ch/a/1=a", "ch/a/2=b"}, got)
}

func testScanResume(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	var entries []storage.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, storage.Put([]byte(fmt.Sprintf("k/%02d", i)), []byte{byte('0' + i)}))
	}
	require.NoError(t, e.PutBatch(ctx, entries))

	it := e.Scan(ctx, []byte("k/"), nil, 4)
	var last []byte
	n := 0
	for it.Next() {
		last = append(last[:0], it.Key()...)
		n++
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.Equal(t, 4, n)

	rest := collect(t, e.Scan(ctx, []byte("k/"), storage.After(last), 0))
	require.Len(t, rest, 6)
	assert.Equal(t, "k/04=4", rest[0])
}

func testScanLimit(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	require.NoError(t, e.PutBatch(ctx, []storage.Entry{
		storage.Put([]byte("p/1"), []byte("a")),
		storage.Put([]byte("p/2"), []byte("b")),
		storage.Put([]byte("p/3"), []byte("c")),
	}))
	got := collect(t, e.Scan(ctx, []byte("p/"), []byte("p/2"), 1))
	assert.Equal(t, []string{"p/2=b"}, got)
}

func testQuarantine(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	key := []byte("ch/x/e/1")
	require.NoError(t, e.PutBatch(ctx, []storage.Entry{storage.Put(key, []byte("garbage"))}))
	require.NoError(t, storage.Quarantine(ctx, e, key, []byte("garbage")))

	_, err := e.Get(ctx, key)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	v, err := e.Get(ctx, storage.QuarantineKey(key))
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(v))

	keys, err := storage.Quarantined(ctx, e)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, string(key), string(keys[0]))
}
