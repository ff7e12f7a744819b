package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/storage"
)

// Channel holds channel metadata. Head is filled from the log on reads.
type Channel struct {
	ID          string            `json:"id"`
	CommunityID string            `json:"communityId"`
	Config      map[string]string `json:"config,omitempty"`
	// Peers are the remote servers that share this channel.
	Peers       []string `json:"peers,omitempty"`
	CreatedAtMs int64    `json:"createdAtMs"`
	Head        uint64   `json:"-"`
}

// EnsureChannel creates the channel if absent and returns the effective
// metadata. Idempotent: an existing channel is returned unchanged.
func (l *Log) EnsureChannel(ctx context.Context, ch Channel) (Channel, error) {
	if err := ValidName(ch.ID); err != nil {
		return Channel{}, errs.WrapInvalid(err, "eventlog", "ensure_channel")
	}
	if ch.CommunityID != "" {
		if err := ValidName(ch.CommunityID); err != nil {
			return Channel{}, errs.WrapInvalid(err, "eventlog", "ensure_channel")
		}
	}
	l.metaMu.Lock()
	defer l.metaMu.Unlock()
	existing, err := l.Channel(ctx, ch.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, errs.ErrUnknownChannel) {
		return Channel{}, err
	}
	ch.CreatedAtMs = time.Now().UnixMilli()
	ch.Head = 0
	if err := l.putChannel(ctx, ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// Channel loads channel metadata and its current head.
func (l *Log) Channel(ctx context.Context, id string) (Channel, error) {
	key := KeyChannelMeta(id)
	b, err := l.db.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return Channel{}, fmt.Errorf("%w: %s", errs.ErrUnknownChannel, id)
	}
	if err != nil {
		return Channel{}, err
	}
	var ch Channel
	if err := json.Unmarshal(b, &ch); err != nil {
		return Channel{}, errs.Corrupt(key, err)
	}
	if ch.Head, err = l.TailPosition(ctx, id); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// Channels lists channels in id order, optionally filtered by community.
func (l *Log) Channels(ctx context.Context, communityID string) ([]Channel, error) {
	it := l.db.Scan(ctx, chMetaPrefix, nil, 0)
	var ids []string
	for it.Next() {
		ids = append(ids, string(it.Key()[len(chMetaPrefix):]))
	}
	err := it.Err()
	_ = it.Close()
	if err != nil {
		return nil, err
	}
	var out []Channel
	for _, id := range ids {
		ch, err := l.Channel(ctx, id)
		if errors.Is(err, errs.ErrCorrupt) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if communityID == "" || ch.CommunityID == communityID {
			out = append(out, ch)
		}
	}
	return out, nil
}

// SharePeer records that peer shares channel. Returns true when added.
func (l *Log) SharePeer(ctx context.Context, channel, peer string) (bool, error) {
	if err := ValidName(peer); err != nil {
		return false, errs.WrapInvalid(err, "eventlog", "share_peer")
	}
	l.metaMu.Lock()
	defer l.metaMu.Unlock()
	ch, err := l.Channel(ctx, channel)
	if err != nil {
		return false, err
	}
	for _, p := range ch.Peers {
		if p == peer {
			return false, nil
		}
	}
	ch.Peers = append(ch.Peers, peer)
	sort.Strings(ch.Peers)
	return true, l.putChannel(ctx, ch)
}

// UnsharePeer removes peer from channel. Returns true when removed.
func (l *Log) UnsharePeer(ctx context.Context, channel, peer string) (bool, error) {
	l.metaMu.Lock()
	defer l.metaMu.Unlock()
	ch, err := l.Channel(ctx, channel)
	if err != nil {
		return false, err
	}
	kept := ch.Peers[:0]
	for _, p := range ch.Peers {
		if p != peer {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(ch.Peers) {
		return false, nil
	}
	ch.Peers = kept
	return true, l.putChannel(ctx, ch)
}

func (l *Log) putChannel(ctx context.Context, ch Channel) error {
	b, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return l.db.PutBatch(ctx, []storage.Entry{storage.Put(KeyChannelMeta(ch.ID), b)})
}
