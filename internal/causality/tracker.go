// Package causality tracks, per channel and origin server, the highest
// contiguous origin position accepted (the watermark). It classifies every
// incoming federated event as accepted, duplicate or gapped, holds gapped
// events in bounded reorder buffers and asks federation to backfill.
package causality

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/keylock"
	"github.com/rzbill/chorus/internal/metrics"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/pkg/log"
)

// Kind classifies an observation.
type Kind int

const (
	Accept Kind = iota + 1
	Duplicate
	Gap
)

func (k Kind) String() string {
	switch k {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	}
	return "unknown"
}

// Result is the outcome of Observe. Expected is the next origin position the
// tracker wants after the observation. Released counts buffered successors
// applied after an accepted event.
type Result struct {
	Kind     Kind
	Expected uint64
	Released int
}

// Backfiller fetches a missing origin range. Implementations must not block.
type Backfiller interface {
	RequestBackfill(channel, origin string, from, to uint64)
}

// Resetter abandons a gap that cannot be filled and resyncs from the
// watermark. Implementations must not block.
type Resetter interface {
	ResetPeer(origin, channel string, watermark uint64)
}

// ApplyFunc durably commits ev. wm is the watermark entry that must be
// written in the same storage batch as the event.
type ApplyFunc func(ctx context.Context, ev event.Event, wm storage.Entry) error

// Options bounds reorder buffering.
type Options struct {
	Logger  log.Logger
	Metrics *metrics.Metrics
	// BufferCapacity is the most events held for one (channel, origin).
	BufferCapacity int
	// GapTimeout is how long a gap may stay open before the origin is reset.
	GapTimeout time.Duration
	// MaxBuffers caps how many (channel, origin) pairs may be buffering at once.
	MaxBuffers    int
	SweepInterval time.Duration
	Now           func() time.Time
}

// Tracker owns watermarks and reorder buffers.
type Tracker struct {
	db      storage.Engine
	opts    Options
	logger  log.Logger
	metrics *metrics.Metrics
	locks   *keylock.Arena

	mu         sync.Mutex
	watermarks map[string]uint64
	buffers    map[string]*reorderBuffer
	backfill   Backfiller
	reset      Resetter
}

type reorderBuffer struct {
	channel, origin string
	events          map[uint64]event.Event
	since           time.Time
	// requested is the highest position already covered by a backfill
	// request or held in the buffer.
	requested uint64
}

// New returns a Tracker persisting watermarks in db.
func New(db storage.Engine, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = 128
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = 30 * time.Second
	}
	if opts.MaxBuffers <= 0 {
		opts.MaxBuffers = 4096
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		db:         db,
		opts:       opts,
		logger:     opts.Logger.With(log.Component("causality")),
		metrics:    opts.Metrics,
		locks:      keylock.New(),
		watermarks: make(map[string]uint64),
		buffers:    make(map[string]*reorderBuffer),
	}
}

// SetFederation wires the backfill and reset collaborators.
func (t *Tracker) SetFederation(b Backfiller, r Resetter) {
	t.mu.Lock()
	t.backfill, t.reset = b, r
	t.mu.Unlock()
}

var wmPrefix = []byte("wm/")

// KeyWatermark builds the persisted watermark key wm/{channel}/{origin}.
func KeyWatermark(channel, origin string) []byte {
	k := make([]byte, 0, len(wmPrefix)+len(channel)+1+len(origin))
	k = append(k, wmPrefix...)
	k = append(k, channel...)
	k = append(k, '/')
	return append(k, origin...)
}

// WatermarkEntry is the storage write that records pos as the watermark.
func WatermarkEntry(channel, origin string, pos uint64) storage.Entry {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, pos)
	return storage.Put(KeyWatermark(channel, origin), v)
}

func pairKey(channel, origin string) string { return channel + "\x00" + origin }

// Watermark returns the persisted watermark (0 when nothing was accepted).
func (t *Tracker) Watermark(ctx context.Context, channel, origin string) (uint64, error) {
	unlock := t.locks.Lock(pairKey(channel, origin))
	defer unlock()
	return t.watermark(ctx, channel, origin)
}

// Watermarks returns every origin's watermark for channel.
func (t *Tracker) Watermarks(ctx context.Context, channel string) (map[string]uint64, error) {
	prefix := KeyWatermark(channel, "")
	it := t.db.Scan(ctx, prefix, nil, 0)
	defer it.Close()
	out := make(map[string]uint64)
	for it.Next() {
		if v := it.Value(); len(v) >= 8 {
			out[string(it.Key()[len(prefix):])] = binary.BigEndian.Uint64(v)
		}
	}
	return out, it.Err()
}

// watermark loads through the cache. The caller holds the pair lock.
func (t *Tracker) watermark(ctx context.Context, channel, origin string) (uint64, error) {
	k := pairKey(channel, origin)
	t.mu.Lock()
	wm, ok := t.watermarks[k]
	t.mu.Unlock()
	if ok {
		return wm, nil
	}
	key := KeyWatermark(channel, origin)
	b, err := t.db.Get(ctx, key)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		wm = 0
	case err != nil:
		return 0, err
	case len(b) < 8:
		return 0, errs.Corrupt(key, fmt.Errorf("short watermark"))
	default:
		wm = binary.BigEndian.Uint64(b)
	}
	t.mu.Lock()
	t.watermarks[k] = wm
	t.mu.Unlock()
	return wm, nil
}

func (t *Tracker) advance(channel, origin string, pos uint64) {
	k := pairKey(channel, origin)
	t.mu.Lock()
	if pos > t.watermarks[k] {
		t.watermarks[k] = pos
	}
	t.mu.Unlock()
}

// NextLocal allocates the next origin position for events this server
// authors in channel and runs apply with it. The position is consumed only
// if apply succeeds.
func (t *Tracker) NextLocal(ctx context.Context, channel, self string, apply func(pos uint64, wm storage.Entry) error) (uint64, error) {
	unlock := t.locks.Lock(pairKey(channel, self))
	defer unlock()
	wm, err := t.watermark(ctx, channel, self)
	if err != nil {
		return 0, err
	}
	pos := wm + 1
	if err := apply(pos, WatermarkEntry(channel, self, pos)); err != nil {
		return 0, err
	}
	t.advance(channel, self, pos)
	return pos, nil
}

// Observe classifies ev by its (channel, origin, origin position).
//
// Accept: ev is exactly watermark+1. apply commits it together with the new
// watermark, then every buffered successor that became contiguous is applied
// in order. Duplicate: ev is at or below the watermark, or already buffered;
// nothing happens. Gap: ev is held in the reorder buffer and the missing
// range is requested once. A buffer that overflows is discarded and the
// origin is reset to resync from the watermark.
//
// A failing apply for ev itself is returned and nothing changes.
func (t *Tracker) Observe(ctx context.Context, ev event.Event, apply ApplyFunc) (Result, error) {
	channel, origin, pos := ev.ChannelID, ev.OriginServer, ev.OriginPosition
	var after []func()
	unlock := t.locks.Lock(pairKey(channel, origin))
	defer func() {
		unlock()
		for _, f := range after {
			f()
		}
	}()

	wm, err := t.watermark(ctx, channel, origin)
	if err != nil {
		return Result{}, err
	}
	switch {
	case pos <= wm:
		t.metrics.Causality("duplicate")
		return Result{Kind: Duplicate, Expected: wm + 1}, nil
	case pos == wm+1:
		if err := apply(ctx, ev, WatermarkEntry(channel, origin, pos)); err != nil {
			return Result{}, err
		}
		t.advance(channel, origin, pos)
		t.metrics.Causality("accept")
		released := t.drain(ctx, channel, origin, pos, apply)
		return Result{Kind: Accept, Expected: pos + uint64(released) + 1, Released: released}, nil
	default:
		return t.hold(ev, wm, &after), nil
	}
}

// drain applies buffered successors of wm. The caller holds the pair lock.
func (t *Tracker) drain(ctx context.Context, channel, origin string, wm uint64, apply ApplyFunc) int {
	k := pairKey(channel, origin)
	t.mu.Lock()
	buf := t.buffers[k]
	t.mu.Unlock()
	if buf == nil {
		return 0
	}
	for p := range buf.events {
		if p <= wm {
			delete(buf.events, p)
			t.metrics.Buffered(-1)
		}
	}
	n := 0
	for {
		next, ok := buf.events[wm+1]
		if !ok {
			break
		}
		if err := apply(ctx, next, WatermarkEntry(channel, origin, wm+1)); err != nil {
			t.logger.Warn("buffered event not applied; will retry on next arrival",
				log.Channel(channel), log.Peer(origin), log.Uint64("position", wm+1), log.Err(err))
			break
		}
		delete(buf.events, wm+1)
		t.metrics.Buffered(-1)
		t.metrics.Causality("accept")
		wm++
		n++
		t.advance(channel, origin, wm)
	}
	if len(buf.events) == 0 {
		t.mu.Lock()
		delete(t.buffers, k)
		t.mu.Unlock()
	} else if n > 0 {
		buf.since = t.opts.Now()
	}
	return n
}

// hold buffers a gapped event. The caller holds the pair lock; callbacks are
// appended to after and run once it is released.
func (t *Tracker) hold(ev event.Event, wm uint64, after *[]func()) Result {
	channel, origin, pos := ev.ChannelID, ev.OriginServer, ev.OriginPosition
	k := pairKey(channel, origin)
	gap := Result{Kind: Gap, Expected: wm + 1}

	t.mu.Lock()
	buf := t.buffers[k]
	if buf == nil {
		if len(t.buffers) >= t.opts.MaxBuffers {
			t.mu.Unlock()
			t.logger.Warn("reorder buffer arena exhausted; resetting origin", log.Channel(channel), log.Peer(origin))
			*after = append(*after, t.resetFunc(origin, channel, wm))
			return gap
		}
		buf = &reorderBuffer{channel: channel, origin: origin, events: make(map[uint64]event.Event), since: t.opts.Now(), requested: wm}
		t.buffers[k] = buf
	}
	backfill := t.backfill
	t.mu.Unlock()

	if _, ok := buf.events[pos]; ok {
		t.metrics.Causality("duplicate")
		return Result{Kind: Duplicate, Expected: wm + 1}
	}
	buf.events[pos] = ev
	t.metrics.Buffered(1)
	t.metrics.Causality("gap")

	if len(buf.events) > t.opts.BufferCapacity {
		t.logger.Warn("reorder buffer overflow; resetting origin",
			log.Channel(channel), log.Peer(origin), log.Uint64("watermark", wm), log.Int("buffered", len(buf.events)))
		t.discard(k, buf)
		*after = append(*after, t.resetFunc(origin, channel, wm))
		return gap
	}
	if pos > buf.requested {
		from := buf.requested + 1
		if from <= wm {
			from = wm + 1
		}
		to := pos - 1
		buf.requested = pos
		if from <= to && backfill != nil {
			t.logger.Debug("requesting backfill", log.Channel(channel), log.Peer(origin),
				log.Uint64("from", from), log.Uint64("to", to))
			*after = append(*after, func() { backfill.RequestBackfill(channel, origin, from, to) })
		}
	}
	return gap
}

func (t *Tracker) discard(k string, buf *reorderBuffer) {
	t.metrics.Buffered(-len(buf.events))
	buf.events = make(map[uint64]event.Event)
	t.mu.Lock()
	if t.buffers[k] == buf {
		delete(t.buffers, k)
	}
	t.mu.Unlock()
}

func (t *Tracker) resetFunc(origin, channel string, wm uint64) func() {
	t.metrics.Causality("reset")
	t.mu.Lock()
	r := t.reset
	t.mu.Unlock()
	return func() {
		if r != nil {
			r.ResetPeer(origin, channel, wm)
		}
	}
}

// Buffered reports how many events are held for (channel, origin).
func (t *Tracker) Buffered(channel, origin string) int {
	unlock := t.locks.Lock(pairKey(channel, origin))
	defer unlock()
	t.mu.Lock()
	buf := t.buffers[pairKey(channel, origin)]
	t.mu.Unlock()
	if buf == nil {
		return 0
	}
	return len(buf.events)
}

// Sweep discards buffers whose gap has been open longer than GapTimeout and
// resets their origins. It returns how many buffers were evicted.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	var stale []*reorderBuffer
	for _, buf := range t.buffers {
		stale = append(stale, buf)
	}
	t.mu.Unlock()

	evicted := 0
	for _, buf := range stale {
		k := pairKey(buf.channel, buf.origin)
		unlock := t.locks.Lock(k)
		t.mu.Lock()
		current := t.buffers[k] == buf
		t.mu.Unlock()
		if !current || now.Sub(buf.since) < t.opts.GapTimeout {
			unlock()
			continue
		}
		wm, err := t.watermark(ctx, buf.channel, buf.origin)
		if err != nil {
			unlock()
			t.logger.Error("sweep: load watermark", log.Err(err))
			continue
		}
		t.logger.Warn("gap timed out; resetting origin", log.Channel(buf.channel), log.Peer(buf.origin), log.Uint64("watermark", wm))
		t.discard(k, buf)
		reset := t.resetFunc(buf.origin, buf.channel, wm)
		unlock()
		reset()
		evicted++
	}
	return evicted
}

// Run sweeps every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep(ctx, t.opts.Now())
		}
	}
}
