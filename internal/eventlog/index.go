package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/pkg/id"
)

// indexEntries returns the secondary index writes that go into the same
// batch as ev. pos is ev's local position, big-endian.
func (l *Log) indexEntries(ctx context.Context, channel string, ev event.Event, pos []byte) ([]storage.Entry, error) {
	switch p := ev.Payload.(type) {
	case event.Message:
		if p.ID.IsZero() {
			return nil, nil
		}
		// First writer wins; a replayed id keeps pointing at the original.
		key := KeyMessageID(channel, p.ID.Bytes())
		_, err := l.db.Get(ctx, key)
		switch {
		case err == nil:
			return nil, nil
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
		return []storage.Entry{storage.Put(key, append([]byte(nil), pos...))}, nil
	case event.Pin:
		key := KeyPin(channel, p.Target.Origin, p.Target.Position)
		if p.Unpin {
			return []storage.Entry{storage.Del(key)}, nil
		}
		return []storage.Entry{storage.Put(key, append([]byte(nil), pos...))}, nil
	case event.Redaction:
		return []storage.Entry{storage.Del(KeyPin(channel, p.Target.Origin, p.Target.Position))}, nil
	}
	return nil, nil
}

func (l *Log) eventAt(ctx context.Context, channel string, ptr []byte) (event.Event, error) {
	if len(ptr) < 8 {
		return event.Event{}, errs.Corrupt(ptr, errors.New("short position pointer"))
	}
	return l.Event(ctx, channel, binary.BigEndian.Uint64(ptr[:8]))
}

// Resolve loads the event ref names. Events this server has not stored yet
// return errs.ErrNotFound.
func (l *Log) Resolve(ctx context.Context, channel string, ref event.Ref) (event.Event, error) {
	if ref.Origin == "" || ref.Position == 0 {
		return event.Event{}, fmt.Errorf("%w: %s", errs.ErrNotFound, ref)
	}
	ptr, err := l.db.Get(ctx, KeyOrigin(channel, ref.Origin, ref.Position))
	if err != nil {
		return event.Event{}, err
	}
	return l.eventAt(ctx, channel, ptr)
}

// MessageByID loads the message with the given id.
func (l *Log) MessageByID(ctx context.Context, channel string, msgID id.ID) (event.Event, error) {
	if _, err := l.state(ctx, channel); err != nil {
		return event.Event{}, err
	}
	ptr, err := l.db.Get(ctx, KeyMessageID(channel, msgID.Bytes()))
	if err != nil {
		return event.Event{}, err
	}
	return l.eventAt(ctx, channel, ptr)
}

// Pinned returns the currently pinned events of channel in position order.
// Pins whose target has not arrived yet are left out.
func (l *Log) Pinned(ctx context.Context, channel string) ([]event.Event, error) {
	if _, err := l.state(ctx, channel); err != nil {
		return nil, err
	}
	prefix := KeyPinPrefix(channel)
	var refs []event.Ref
	start := prefix
	for {
		it := l.db.Scan(ctx, prefix, start, l.pageSize)
		n := 0
		var last []byte
		for it.Next() {
			n++
			k := it.Key()
			last = append(last[:0], k...)
			if len(k) < len(prefix)+9 {
				continue
			}
			opos, _ := positionFromKey(k)
			refs = append(refs, event.Ref{Origin: string(k[len(prefix) : len(k)-9]), Position: opos})
		}
		err := it.Err()
		_ = it.Close()
		if err != nil {
			return nil, err
		}
		if n < l.pageSize {
			break
		}
		start = storage.After(last)
	}

	out := make([]event.Event, 0, len(refs))
	for _, ref := range refs {
		ev, err := l.Resolve(ctx, channel, ref)
		switch {
		case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrCorrupt):
			continue
		case err != nil:
			return nil, err
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPosition < out[j].LocalPosition })
	return out, nil
}
