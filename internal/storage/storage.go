package storage

import (
	"bytes"
	"context"

	"github.com/rzbill/chorus/internal/errs"
)

// Entry is one write in an atomic batch. Delete removes Key and ignores Value.
type Entry struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Put is shorthand for a set entry.
func Put(key, value []byte) Entry { return Entry{Key: key, Value: value} }

// Del is shorthand for a delete entry.
func Del(key []byte) Entry { return Entry{Key: key, Delete: true} }

// Engine is the ordered key-value capability every backend provides.
//
// PutBatch is all-or-nothing and durable according to the backend's fsync
// policy when it returns nil. Get returns errs.ErrNotFound for missing keys.
// Scan yields keys that start with prefix and are >= start (start may be nil)
// in ascending byte order, stopping after limit entries when limit > 0.
// I/O failures are reported as errs.ErrStorageUnavailable.
type Engine interface {
	PutBatch(ctx context.Context, entries []Entry) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Scan(ctx context.Context, prefix, start []byte, limit int) Iterator
	Close() error
}

// Iterator is a lazy, finite cursor over a Scan. Key and Value are only valid
// until the next call to Next; callers copy what they keep.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// After returns the smallest key strictly greater than key. Passing it as the
// start of a new Scan resumes an interrupted iteration.
func After(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// PrefixEnd returns the exclusive upper bound of all keys sharing prefix, or
// nil when the prefix is all 0xFF bytes (no upper bound).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ScanStart returns the effective lower bound of a scan over prefix from start.
func ScanStart(prefix, start []byte) []byte {
	if bytes.Compare(start, prefix) > 0 {
		return start
	}
	return prefix
}

var quarantinePrefix = []byte("q/")

// QuarantineKey is where a corrupt value stored at key is moved to.
func QuarantineKey(key []byte) []byte {
	out := make([]byte, 0, len(quarantinePrefix)+len(key))
	out = append(out, quarantinePrefix...)
	return append(out, key...)
}

// Quarantine moves a value that failed to decode out of the live keyspace so
// later scans skip it. The raw bytes are preserved for inspection.
func Quarantine(ctx context.Context, e Engine, key, value []byte) error {
	return e.PutBatch(ctx, []Entry{
		Put(QuarantineKey(key), append([]byte(nil), value...)),
		Del(append([]byte(nil), key...)),
	})
}

// Quarantined lists the original keys currently held in quarantine.
func Quarantined(ctx context.Context, e Engine) ([][]byte, error) {
	it := e.Scan(ctx, quarantinePrefix, nil, 0)
	defer it.Close()
	var out [][]byte
	for it.Next() {
		out = append(out, append([]byte(nil), it.Key()[len(quarantinePrefix):]...))
	}
	return out, it.Err()
}

// KV is a materialized key/value pair used by paged iterators.
type KV struct {
	Key   []byte
	Value []byte
}

// PageFunc fetches up to n pairs with keys >= from, in order.
type PageFunc func(ctx context.Context, from []byte, n int) ([]KV, error)

// pagedIterator turns a page fetcher into a lazy Iterator. Backends whose
// native cursors pin a transaction or connection use it so an open scan never
// blocks writers for longer than one page.
type pagedIterator struct {
	ctx      context.Context
	fetch    PageFunc
	pageSize int
	limit    int

	from    []byte
	page    []KV
	idx     int
	yielded int
	done    bool
	cur     KV
	err     error
}

// NewPagedIterator returns an Iterator over fetch starting at from.
func NewPagedIterator(ctx context.Context, from []byte, limit, pageSize int, fetch PageFunc) Iterator {
	if pageSize <= 0 {
		pageSize = 256
	}
	return &pagedIterator{ctx: ctx, fetch: fetch, pageSize: pageSize, limit: limit, from: from, idx: 0}
}

func (p *pagedIterator) Next() bool {
	if p.err != nil || (p.limit > 0 && p.yielded >= p.limit) {
		return false
	}
	if p.idx >= len(p.page) {
		if p.done {
			return false
		}
		if err := p.ctx.Err(); err != nil {
			p.err = err
			return false
		}
		n := p.pageSize
		if p.limit > 0 && p.limit-p.yielded < n {
			n = p.limit - p.yielded
		}
		page, err := p.fetch(p.ctx, p.from, n)
		if err != nil {
			p.err = errs.Unavailable(err)
			return false
		}
		if len(page) < n {
			p.done = true
		}
		if len(page) == 0 {
			return false
		}
		p.page, p.idx = page, 0
		p.from = After(page[len(page)-1].Key)
	}
	p.cur = p.page[p.idx]
	p.idx++
	p.yielded++
	return true
}

func (p *pagedIterator) Key() []byte   { return p.cur.Key }
func (p *pagedIterator) Value() []byte { return p.cur.Value }
func (p *pagedIterator) Err() error    { return p.err }
func (p *pagedIterator) Close() error  { p.page = nil; p.done = true; return nil }

// ErrIterator is an Iterator that yields nothing and reports err.
func ErrIterator(err error) Iterator { return &pagedIterator{err: err} }
