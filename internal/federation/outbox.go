package federation

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/keylock"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/pkg/log"
)

// Outbox key layout:
//
//	fo/{peer}/{seq_be8}  -> seq | enqueuedAtMs | attempts | encoded event | crc32c
//	fom/{peer}           -> last assigned seq (be8)
const (
	outboxPrefix     = "fo/"
	outboxMetaPrefix = "fom/"
	outboxHeaderLen  = 8 + 8 + 4
	trimPage         = 256
)

// Item is one queued delivery.
type Item struct {
	Seq        uint64
	Event      event.Event
	Raw        []byte
	EnqueuedAt time.Time
	Attempts   int
}

// Outbox is a durable FIFO of events per peer. Sequence numbers are assigned
// per peer and survive restarts.
type Outbox struct {
	db        storage.Engine
	retention time.Duration
	logger    log.Logger
	locks     *keylock.Arena

	mu   sync.Mutex
	last map[string]uint64
}

func NewOutbox(db storage.Engine, retention time.Duration, logger log.Logger) *Outbox {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Outbox{
		db:        db,
		retention: retention,
		logger:    logger.With(log.Component("outbox")),
		locks:     keylock.New(),
		last:      make(map[string]uint64),
	}
}

func outboxItemPrefix(peer string) []byte { return []byte(outboxPrefix + peer + "/") }

func outboxItemKey(peer string, seq uint64) []byte {
	k := outboxItemPrefix(peer)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func outboxMetaKey(peer string) []byte { return []byte(outboxMetaPrefix + peer) }

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeItem(it Item) []byte {
	out := make([]byte, outboxHeaderLen, outboxHeaderLen+len(it.Raw)+crc32.Size)
	binary.BigEndian.PutUint64(out[0:8], it.Seq)
	binary.BigEndian.PutUint64(out[8:16], uint64(it.EnqueuedAt.UnixMilli()))
	binary.BigEndian.PutUint32(out[16:20], uint32(it.Attempts))
	out = append(out, it.Raw...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

func decodeItem(seq uint64, val []byte) (Item, error) {
	if len(val) < outboxHeaderLen+crc32.Size {
		return Item{}, errors.New("short outbox record")
	}
	body := val[:len(val)-crc32.Size]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(val[len(body):]) {
		return Item{}, errors.New("outbox record checksum mismatch")
	}
	if got := binary.BigEndian.Uint64(body[0:8]); got != seq {
		return Item{}, fmt.Errorf("outbox record for seq %d stored at %d", got, seq)
	}
	raw := bytes.Clone(body[outboxHeaderLen:])
	ev, err := event.Decode(raw)
	if err != nil {
		return Item{}, err
	}
	return Item{
		Seq:        seq,
		Event:      ev,
		Raw:        raw,
		EnqueuedAt: time.UnixMilli(int64(binary.BigEndian.Uint64(body[8:16]))),
		Attempts:   int(binary.BigEndian.Uint32(body[16:20])),
	}, nil
}

func (o *Outbox) lastSeq(ctx context.Context, peer string) (uint64, error) {
	o.mu.Lock()
	seq, ok := o.last[peer]
	o.mu.Unlock()
	if ok {
		return seq, nil
	}
	raw, err := o.db.Get(ctx, outboxMetaKey(peer))
	switch {
	case errors.Is(err, errs.ErrNotFound):
		seq = 0
	case err != nil:
		return 0, err
	case len(raw) != 8:
		return 0, errs.Corrupt(outboxMetaKey(peer), fmt.Errorf("meta has %d bytes", len(raw)))
	default:
		seq = binary.BigEndian.Uint64(raw)
	}
	o.mu.Lock()
	o.last[peer] = seq
	o.mu.Unlock()
	return seq, nil
}

// Enqueue appends ev to peer's queue and returns its sequence number.
func (o *Outbox) Enqueue(ctx context.Context, peer string, ev event.Event, now time.Time) (uint64, error) {
	raw, err := event.Encode(ev)
	if err != nil {
		return 0, errs.WrapInvalid(err, "outbox", "enqueue")
	}
	unlock := o.locks.Lock(peer)
	defer unlock()

	last, err := o.lastSeq(ctx, peer)
	if err != nil {
		return 0, err
	}
	seq := last + 1
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	batch := []storage.Entry{
		storage.Put(outboxItemKey(peer, seq), encodeItem(Item{Seq: seq, Raw: raw, EnqueuedAt: now})),
		storage.Put(outboxMetaKey(peer), meta[:]),
	}
	if err := o.db.PutBatch(ctx, batch); err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.last[peer] = seq
	o.mu.Unlock()
	return seq, nil
}

// Pending returns up to limit queued items for peer in sequence order.
// Undecodable items are moved to quarantine.
func (o *Outbox) Pending(ctx context.Context, peer string, limit int) ([]Item, error) {
	prefix := outboxItemPrefix(peer)
	it := o.db.Scan(ctx, prefix, nil, limit)
	var out []Item
	var bad []storage.Entry
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(key[len(prefix):])
		item, err := decodeItem(seq, it.Value())
		if err != nil {
			o.logger.Error("quarantining outbox item", log.Peer(peer), log.Uint64("seq", seq), log.Err(err))
			k := append([]byte(nil), key...)
			bad = append(bad, storage.Put(storage.QuarantineKey(k), append([]byte(nil), it.Value()...)), storage.Del(k))
			continue
		}
		out = append(out, item)
	}
	err := it.Err()
	_ = it.Close()
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		if err := o.db.PutBatch(ctx, bad); err != nil {
			o.logger.Warn("outbox quarantine failed", log.Peer(peer), log.Err(err))
		}
	}
	return out, nil
}

// Count reports how many items are queued for peer.
func (o *Outbox) Count(ctx context.Context, peer string) (int, error) {
	it := o.db.Scan(ctx, outboxItemPrefix(peer), nil, 0)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// Ack removes a delivered item.
func (o *Outbox) Ack(ctx context.Context, peer string, seq uint64) error {
	return o.db.PutBatch(ctx, []storage.Entry{storage.Del(outboxItemKey(peer, seq))})
}

// Attempted records one more failed delivery attempt for item.
func (o *Outbox) Attempted(ctx context.Context, peer string, item Item) (Item, error) {
	item.Attempts++
	if err := o.db.PutBatch(ctx, []storage.Entry{storage.Put(outboxItemKey(peer, item.Seq), encodeItem(item))}); err != nil {
		return item, err
	}
	return item, nil
}

// Trim drops items enqueued longer than the retention window before now.
// Items are in enqueue order, so it stops at the first one still retained.
func (o *Outbox) Trim(ctx context.Context, peer string, now time.Time) (int, error) {
	if o.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-o.retention)
	total := 0
	for {
		items, err := o.Pending(ctx, peer, trimPage)
		if err != nil {
			return total, err
		}
		var dels []storage.Entry
		for _, it := range items {
			if !it.EnqueuedAt.Before(cutoff) {
				break
			}
			dels = append(dels, storage.Del(outboxItemKey(peer, it.Seq)))
		}
		if len(dels) > 0 {
			if err := o.db.PutBatch(ctx, dels); err != nil {
				return total, err
			}
			total += len(dels)
		}
		if len(dels) < trimPage {
			break
		}
	}
	if total > 0 {
		o.logger.Warn("dropped expired outbox items", log.Peer(peer), log.Int("count", total))
	}
	return total, nil
}

// Peers lists every peer that ever had an item queued.
func (o *Outbox) Peers(ctx context.Context) ([]string, error) {
	prefix := []byte(outboxMetaPrefix)
	it := o.db.Scan(ctx, prefix, nil, 0)
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(prefix):]))
	}
	return out, it.Err()
}
