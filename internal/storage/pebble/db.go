package pebblestore

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/storage"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by allowing Pebble to coalesce WAL
	// syncs for operations within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application. Pebble may
	// still sync based on its own policies.
	FsyncModeNever
)

// ParseFsyncMode maps always|interval|never to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "always", "":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, errors.New("pebble: invalid fsync mode " + s + "; use always|interval|never")
}

// Options configures the Pebble store wrapper.
type Options struct {
	// DataDir is the path to the Pebble database directory. Ignored when InMemory.
	DataDir string
	// InMemory backs the store with vfs.NewMem(); nothing survives Close.
	InMemory bool
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Metrics observes read and commit latencies and sizes. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB wraps a Pebble database and implements storage.Engine.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
}

var _ storage.Engine = (*DB)(nil)

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	dir := opts.DataDir
	if opts.InMemory {
		po.FS = vfs.NewMem()
		dir = ""
	}

	switch opts.Fsync {
	case FsyncModeAlways:
		// WriteOptions{Sync:true} is passed on every commit.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return opts.FsyncInterval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errs.Unavailable(err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
	}, nil
}

// Close closes the Pebble database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// PutBatch applies entries atomically with the configured fsync policy.
func (db *DB) PutBatch(ctx context.Context, entries []storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := db.inner.NewBatch()
	defer b.Close()
	for _, e := range entries {
		var err error
		if e.Delete {
			err = b.Delete(e.Key, nil)
		} else {
			err = b.Set(e.Key, e.Value, nil)
		}
		if err != nil {
			return errs.Unavailable(err)
		}
	}
	start := time.Now()
	size := b.Len()
	syncMode := pebble.NoSync
	if db.writeSync {
		syncMode = pebble.Sync
	}
	err := b.Commit(syncMode)
	db.metrics.ObserveBatchCommit(time.Since(start), len(entries), size)
	if err != nil {
		return errs.Unavailable(err)
	}
	return nil
}

// Get copies the value for the given key.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Unavailable(err)
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Scan returns a lazy iterator over keys with prefix, starting at start.
func (db *DB) Scan(ctx context.Context, prefix, start []byte, limit int) storage.Iterator {
	iter, err := db.inner.NewIter(&pebble.IterOptions{
		LowerBound: storage.ScanStart(prefix, start),
		UpperBound: storage.PrefixEnd(prefix),
	})
	if err != nil {
		return storage.ErrIterator(errs.Unavailable(err))
	}
	return &iterator{ctx: ctx, inner: iter, limit: limit, metrics: db.metrics}
}

// CompactRange requests compaction of the key range [start, end).
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}

type iterator struct {
	ctx     context.Context
	inner   *pebble.Iterator
	limit   int
	n       int
	started bool
	err     error
	metrics MetricsHook
}

func (it *iterator) Next() bool {
	if it.err != nil || (it.limit > 0 && it.n >= it.limit) {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	var ok bool
	if !it.started {
		it.started = true
		ok = it.inner.First()
	} else {
		ok = it.inner.Next()
	}
	if !ok {
		if err := it.inner.Error(); err != nil {
			it.err = errs.Unavailable(err)
		}
		return false
	}
	it.n++
	return true
}

func (it *iterator) Key() []byte   { return it.inner.Key() }
func (it *iterator) Value() []byte { return it.inner.Value() }
func (it *iterator) Err() error    { return it.err }

func (it *iterator) Close() error {
	if it.inner == nil {
		return nil
	}
	err := it.inner.Close()
	it.inner = nil
	return err
}
