// Package sqlitestore implements storage.Engine on a single SQLite table.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`

// Options configures the SQLite store.
type Options struct {
	// Path is the database file. Required.
	Path string
	// Synchronous is the PRAGMA synchronous level; FULL when empty.
	Synchronous string
	// PageSize is the number of rows a scan fetches per query.
	PageSize int
}

// Store provides a SQLite-backed storage.Engine.
type Store struct {
	sqlDB    *sql.DB
	pageSize int
}

var _ storage.Engine = (*Store)(nil)

// Open opens the database and creates the kv table.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	syncLevel := opts.Synchronous
	if syncLevel == "" {
		syncLevel = "FULL"
	}
	dsn := filepath.Clean(opts.Path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(" + syncLevel + ")"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Unavailable(fmt.Errorf("open sqlite db: %w", err))
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, errs.Unavailable(fmt.Errorf("ping sqlite db: %w", err))
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, errs.Unavailable(fmt.Errorf("create kv table: %w", err))
	}
	return &Store{sqlDB: sqlDB, pageSize: opts.PageSize}, nil
}

// Close releases the SQLite connection pool.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) PutBatch(ctx context.Context, entries []storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return errs.Unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range entries {
		if e.Delete {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, e.Key)
		} else {
			v := e.Value
			if v == nil {
				v = []byte{}
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, e.Key, v)
		}
		if err != nil {
			return errs.Unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Unavailable(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var v []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *Store) Scan(ctx context.Context, prefix, start []byte, limit int) storage.Iterator {
	end := storage.PrefixEnd(prefix)
	return storage.NewPagedIterator(ctx, storage.ScanStart(prefix, start), limit, s.pageSize,
		func(ctx context.Context, from []byte, n int) ([]storage.KV, error) {
			var (
				rows *sql.Rows
				err  error
			)
			if end == nil {
				rows, err = s.sqlDB.QueryContext(ctx, `SELECT k, v FROM kv WHERE k >= ? ORDER BY k LIMIT ?`, from, n)
			} else {
				rows, err = s.sqlDB.QueryContext(ctx, `SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k LIMIT ?`, from, end, n)
			}
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var page []storage.KV
			for rows.Next() {
				var kv storage.KV
				if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
					return nil, err
				}
				page = append(page, kv)
			}
			return page, rows.Err()
		})
}
