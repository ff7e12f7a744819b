package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/pkg/log"
)

// Builder produces the event to store at the position the log allocated.
// The log overwrites LocalPosition and ChannelID with its own values.
type Builder func(position uint64) (event.Event, error)

// Static returns a Builder that stores ev unchanged apart from its position.
func Static(ev event.Event) Builder {
	return func(uint64) (event.Event, error) { return ev, nil }
}

// Options configures a Log.
type Options struct {
	Logger log.Logger
	// PageSize bounds how many records a cursor loads per storage scan.
	PageSize int
}

// Log stores every channel's append-only event sequence in one engine.
//
// Append is not safe for concurrent use on the same channel; callers
// serialize writers per channel. Reads are safe at any time.
type Log struct {
	db       storage.Engine
	logger   log.Logger
	pageSize int

	mu       sync.Mutex
	channels map[string]*channelState

	// metaMu serializes read-modify-write of channel metadata.
	metaMu sync.Mutex
}

type channelState struct {
	mu       sync.Mutex
	head     uint64
	notifyCh chan struct{}
}

// Open returns a Log over db. Channel heads are loaded lazily.
func Open(db storage.Engine, opts Options) *Log {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 256
	}
	return &Log{
		db:       db,
		logger:   logger.With(log.Component("eventlog")),
		pageSize: opts.PageSize,
		channels: make(map[string]*channelState),
	}
}

// state loads the channel head on first use. Unknown channels fail with
// errs.ErrUnknownChannel.
func (l *Log) state(ctx context.Context, channel string) (*channelState, error) {
	l.mu.Lock()
	st, ok := l.channels[channel]
	l.mu.Unlock()
	if ok {
		return st, nil
	}

	if _, err := l.db.Get(ctx, KeyChannelMeta(channel)); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errs.ErrUnknownChannel, channel)
		}
		return nil, err
	}
	var head uint64
	b, err := l.db.Get(ctx, KeyHead(channel))
	switch {
	case err == nil && len(b) >= 8:
		head = binary.BigEndian.Uint64(b[:8])
	case err == nil:
		return nil, errs.Corrupt(KeyHead(channel), errors.New("short head pointer"))
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.channels[channel]; ok {
		return st, nil
	}
	st = &channelState{head: head, notifyCh: make(chan struct{})}
	l.channels[channel] = st
	return st, nil
}

// Append allocates head+1, persists the event, its index entries and the
// new head in one batch, and only then advances the in-memory head. A
// failed batch leaves no trace and the next Append reuses the position.
//
// extra entries are committed in the same batch as the event, so state that
// must move together with the log (such as a causality watermark) never
// diverges from it.
func (l *Log) Append(ctx context.Context, channel string, build Builder, extra ...storage.Entry) (event.Event, error) {
	st, err := l.state(ctx, channel)
	if err != nil {
		return event.Event{}, err
	}
	st.mu.Lock()
	pos := st.head + 1
	st.mu.Unlock()

	ev, err := build(pos)
	if err != nil {
		return event.Event{}, err
	}
	ev.ChannelID = channel
	ev.LocalPosition = pos
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}
	body, err := event.Encode(ev)
	if err != nil {
		return event.Event{}, errs.WrapInvalid(err, "eventlog", "append")
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], pos)

	batch := []storage.Entry{
		storage.Put(KeyEvent(channel, pos), encodeRecord(pos, body)),
		storage.Put(KeyOrigin(channel, ev.OriginServer, ev.OriginPosition), append([]byte(nil), head[:]...)),
		storage.Put(KeyHead(channel), head[:]),
	}
	idx, err := l.indexEntries(ctx, channel, ev, head[:])
	if err != nil {
		return event.Event{}, err
	}
	batch = append(batch, idx...)
	batch = append(batch, extra...)
	if err := l.db.PutBatch(ctx, batch); err != nil {
		return event.Event{}, err
	}

	st.mu.Lock()
	st.head = pos
	close(st.notifyCh)
	st.notifyCh = make(chan struct{})
	st.mu.Unlock()
	return ev, nil
}

// TailPosition returns the channel's head position (0 when empty).
func (l *Log) TailPosition(ctx context.Context, channel string) (uint64, error) {
	st, err := l.state(ctx, channel)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.head, nil
}

// Event loads the event at pos. Missing and quarantined positions return
// errs.ErrNotFound.
func (l *Log) Event(ctx context.Context, channel string, pos uint64) (event.Event, error) {
	key := KeyEvent(channel, pos)
	raw, err := l.db.Get(ctx, key)
	if err != nil {
		return event.Event{}, err
	}
	ev, err := l.decode(ctx, key, raw)
	if err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// decode verifies and decodes a stored record. A record that fails is moved
// to quarantine and reported as errs.ErrCorrupt.
func (l *Log) decode(ctx context.Context, key, raw []byte) (event.Event, error) {
	pos, _ := positionFromKey(key)
	body, cause := decodeRecord(raw, pos)
	var ev event.Event
	if cause == nil {
		if ev, cause = event.Decode(body); cause == nil {
			return ev, nil
		}
	}

	err := errs.Corrupt(key, cause)
	l.logger.Error("quarantining corrupt event record", log.Str("key", fmt.Sprintf("%q", key)), log.Err(cause))
	if qerr := storage.Quarantine(ctx, l.db, key, raw); qerr != nil {
		l.logger.Error("quarantine failed", log.Err(qerr))
	}
	return event.Event{}, err
}
