package eventlog

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/storage"
)

// Cursor is a lazy, finite sequence of events. It loads one page from
// storage at a time and skips (after quarantining) records that fail to
// decode. A Cursor is not safe for concurrent use.
//
//	c := l.ReadRange(ctx, "general", 1, 0)
//	defer c.Close()
//	for c.Next() {
//	    ev := c.Event()
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	ctx  context.Context
	fill func(ctx context.Context) ([]event.Event, bool, error)

	page []event.Event
	idx  int
	done bool
	cur  event.Event
	err  error
}

// Next advances to the next event.
func (c *Cursor) Next() bool {
	for c.idx >= len(c.page) {
		if c.done || c.err != nil {
			return false
		}
		if err := c.ctx.Err(); err != nil {
			c.err = err
			return false
		}
		c.page, c.done, c.err = c.fill(c.ctx)
		c.idx = 0
		if c.err != nil {
			return false
		}
	}
	c.cur = c.page[c.idx]
	c.idx++
	return true
}

// Event returns the current event.
func (c *Cursor) Event() event.Event { return c.cur }

// Position returns the local position of the last event returned; a new
// ReadRange from Position()+1 resumes where this cursor stopped.
func (c *Cursor) Position() uint64 { return c.cur.LocalPosition }

// Err returns the first storage error the cursor hit.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor. It is always safe to call.
func (c *Cursor) Close() error {
	c.page, c.done = nil, true
	return nil
}

// Collect drains c into a slice.
func (c *Cursor) Collect() ([]event.Event, error) {
	defer c.Close()
	var out []event.Event
	for c.Next() {
		out = append(out, c.Event())
	}
	return out, c.Err()
}

// ReadRange yields the events of channel with from <= position <= to in
// position order. to == 0 reads up to the head at the time of the call.
func (l *Log) ReadRange(ctx context.Context, channel string, from, to uint64) *Cursor {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		head, err := l.TailPosition(ctx, channel)
		if err != nil {
			return &Cursor{ctx: ctx, err: err, done: true}
		}
		to = head
	}
	prefix := KeyEventPrefix(channel)
	next := from
	return &Cursor{ctx: ctx, done: from > to, fill: func(ctx context.Context) ([]event.Event, bool, error) {
		it := l.db.Scan(ctx, prefix, KeyEvent(channel, next), l.pageSize)
		type raw struct{ key, val []byte }
		var rows []raw
		for it.Next() {
			rows = append(rows, raw{append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...)})
		}
		err := it.Err()
		_ = it.Close()
		if err != nil {
			return nil, true, err
		}

		out := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			pos, _ := positionFromKey(r.key)
			if pos > to {
				return out, true, nil
			}
			next = pos + 1
			ev, err := l.decode(ctx, r.key, r.val)
			if errors.Is(err, errs.ErrCorrupt) {
				continue
			}
			out = append(out, ev)
		}
		return out, len(rows) < l.pageSize || next > to, nil
	}}
}

// ReadOrigin yields the events of channel that originated on origin with
// origin position >= from, in origin order. Backfill requests are served
// from it.
func (l *Log) ReadOrigin(ctx context.Context, channel, origin string, from uint64) *Cursor {
	prefix := KeyOriginPrefix(channel, origin)
	start := KeyOrigin(channel, origin, from)
	return &Cursor{ctx: ctx, fill: func(ctx context.Context) ([]event.Event, bool, error) {
		it := l.db.Scan(ctx, prefix, start, l.pageSize)
		var positions []uint64
		var last []byte
		n := 0
		for it.Next() {
			n++
			if v := it.Value(); len(v) >= 8 {
				positions = append(positions, binary.BigEndian.Uint64(v[:8]))
			}
			last = append(last[:0], it.Key()...)
		}
		err := it.Err()
		_ = it.Close()
		if err != nil {
			return nil, true, err
		}
		if last != nil {
			start = storage.After(last)
		}

		out := make([]event.Event, 0, len(positions))
		for _, pos := range positions {
			ev, err := l.Event(ctx, channel, pos)
			switch {
			case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrCorrupt):
				continue
			case err != nil:
				return nil, true, err
			}
			out = append(out, ev)
		}
		return out, n < l.pageSize, nil
	}}
}
