package storagetest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/chorus/internal/storage"
	pebblestore "github.com/rzbill/chorus/internal/storage/pebble"
)

// NewMemEngine returns an in-memory Pebble engine closed at test cleanup.
func NewMemEngine(t testing.TB) storage.Engine {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{InMemory: true, Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
