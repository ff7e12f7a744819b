// Package boltstore implements storage.Engine on a single bbolt bucket.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/storage"
)

var kvBucket = []byte("kv")

// Options configures the bbolt store.
type Options struct {
	// Path is the database file. Required.
	Path string
	// NoSync skips fsync after each commit.
	NoSync bool
	// PageSize is the number of keys a scan reads per read transaction.
	PageSize int
}

// Store provides a bbolt-backed storage.Engine.
type Store struct {
	db       *bbolt.DB
	pageSize int
}

var _ storage.Engine = (*Store)(nil)

// Open opens or creates the database file at opts.Path.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("bbolt: storage path is required")
	}
	db, err := bbolt.Open(filepath.Clean(opts.Path), 0o600, &bbolt.Options{Timeout: time.Second, NoSync: opts.NoSync})
	if err != nil {
		return nil, errs.Unavailable(fmt.Errorf("open storage db: %w", err))
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errs.Unavailable(fmt.Errorf("create kv bucket: %w", err))
	}
	return &Store{db: db, pageSize: opts.PageSize}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) PutBatch(ctx context.Context, entries []storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(kvBucket)
		for _, e := range entries {
			var err error
			if e.Delete {
				err = b.Delete(e.Key)
			} else {
				err = b.Put(e.Key, e.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Unavailable(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(kvBucket).Get(key)
		if v == nil {
			return errs.ErrNotFound
		}
		out = append([]byte{}, v...)
		return nil
	})
	if err == errs.ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return out, nil
}

// Scan reads one page per read transaction so long scans never pin the
// database against writers.
func (s *Store) Scan(ctx context.Context, prefix, start []byte, limit int) storage.Iterator {
	prefix = append([]byte(nil), prefix...)
	return storage.NewPagedIterator(ctx, storage.ScanStart(prefix, start), limit, s.pageSize,
		func(ctx context.Context, from []byte, n int) ([]storage.KV, error) {
			var page []storage.KV
			err := s.db.View(func(tx *bbolt.Tx) error {
				c := tx.Bucket(kvBucket).Cursor()
				for k, v := c.Seek(from); k != nil && bytes.HasPrefix(k, prefix) && len(page) < n; k, v = c.Next() {
					page = append(page, storage.KV{
						Key:   append([]byte(nil), k...),
						Value: append([]byte(nil), v...),
					})
				}
				return nil
			})
			return page, err
		})
}
