// Package backend opens the storage.Engine named in configuration.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rzbill/chorus/internal/config"
	"github.com/rzbill/chorus/internal/storage"
	boltstore "github.com/rzbill/chorus/internal/storage/bbolt"
	pebblestore "github.com/rzbill/chorus/internal/storage/pebble"
	sqlitestore "github.com/rzbill/chorus/internal/storage/sqlite"
)

// Names lists the accepted backend names.
var Names = []string{"pebble", "bbolt", "sqlite", "memory"}

// Open selects and opens a backend. memory is Pebble on an in-memory
// filesystem and keeps nothing across restarts.
func Open(cfg config.StorageConfig, metrics pebblestore.MetricsHook) (storage.Engine, error) {
	switch cfg.Backend {
	case "memory":
		return engine(pebblestore.Open(pebblestore.Options{InMemory: true, Fsync: pebblestore.FsyncModeNever, Metrics: metrics}))
	case "pebble", "":
		mode, err := pebblestore.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		return engine(pebblestore.Open(pebblestore.Options{
			DataDir:       filepath.Join(cfg.DataDir, "pebble"),
			Fsync:         mode,
			FsyncInterval: cfg.FsyncInterval,
			Metrics:       metrics,
		}))
	case "bbolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return engine(boltstore.Open(boltstore.Options{
			Path:     filepath.Join(cfg.DataDir, "chorus.db"),
			NoSync:   cfg.Fsync == "never",
			PageSize: cfg.ScanPageSize,
		}))
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		syncLevel := "FULL"
		switch cfg.Fsync {
		case "interval":
			syncLevel = "NORMAL"
		case "never":
			syncLevel = "OFF"
		}
		return engine(sqlitestore.Open(sqlitestore.Options{
			Path:        filepath.Join(cfg.DataDir, "chorus.sqlite"),
			Synchronous: syncLevel,
			PageSize:    cfg.ScanPageSize,
		}))
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// engine keeps a failed open from leaking a typed nil into the interface.
func engine[E storage.Engine](e E, err error) (storage.Engine, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}
