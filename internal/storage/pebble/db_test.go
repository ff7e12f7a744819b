package pebblestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/chorus/internal/storage"
	pebblestore "github.com/rzbill/chorus/internal/storage/pebble"
	"github.com/rzbill/chorus/internal/storage/storagetest"
)

type testMetrics struct {
	read         int
	batchCommits int
	batchOps     int
}

func (m *testMetrics) ObserveRead(d time.Duration, bytes int) { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(d time.Duration, numOps int, bytes int) {
	m.batchCommits++
	m.batchOps += numOps
}

func TestEngineConformanceOnDisk(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Engine {
		db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestEngineConformanceInMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Engine { return storagetest.NewMemEngine(t) })
}

func TestBatchCommitMetrics(t *testing.T) {
	metrics := &testMetrics{}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       t.TempDir(),
		Fsync:         pebblestore.FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PutBatch(ctx, []storage.Entry{storage.Put([]byte("a"), []byte("1")), storage.Put([]byte("b"), []byte("2"))}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := db.Get(ctx, []byte("a")); err != nil {
		t.Fatalf("get: %v", err)
	}
	if metrics.batchCommits != 1 || metrics.batchOps != 2 {
		t.Fatalf("unexpected batch metrics: %+v", metrics)
	}
	if metrics.read == 0 {
		t.Fatalf("expected read metrics to record bytes")
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.PutBatch(ctx, []storage.Entry{storage.Put([]byte("k"), []byte("v"))}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	v, err := db2.Get(ctx, []byte("k"))
	if err != nil || string(v) != "v" {
		t.Fatalf("value not persisted: %q %v", v, err)
	}
}

func TestParseFsyncMode(t *testing.T) {
	for in, want := range map[string]pebblestore.FsyncMode{
		"always":   pebblestore.FsyncModeAlways,
		"interval": pebblestore.FsyncModeInterval,
		"never":    pebblestore.FsyncModeNever,
	} {
		got, err := pebblestore.ParseFsyncMode(in)
		if err != nil || got != want {
			t.Fatalf("%s: got %v %v", in, got, err)
		}
	}
	if _, err := pebblestore.ParseFsyncMode("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}
