// Package subscription tracks which live connections and which peer servers
// follow each channel, and performs the per-channel fan-out broadcast.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/metrics"
	"github.com/rzbill/chorus/pkg/log"
)

// Replayer is the slice of the event log a subscribe replay reads.
type Replayer interface {
	TailPosition(ctx context.Context, channel string) (uint64, error)
	ReadRange(ctx context.Context, channel string, from, to uint64) *eventlog.Cursor
}

// Registry holds the subscribers of every channel.
type Registry struct {
	replay  Replayer
	logger  log.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[string]*channelSubs
}

// channelSubs is guarded by its own mutex: the fan-out lock. Subscribe
// finishes its replay and joins under it and Broadcast delivers under it, so
// a joining connection can neither miss nor see twice an event committed
// meanwhile.
type channelSubs struct {
	mu    sync.Mutex
	conns map[string]*Conn
	peers map[string]struct{}
}

// New returns an empty registry replaying history from r.
func New(r Replayer, logger log.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Registry{
		replay:   r,
		logger:   logger.With(log.Component("subscription")),
		metrics:  m,
		channels: make(map[string]*channelSubs),
	}
}

func (r *Registry) subs(channel string) *channelSubs {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.channels[channel]
	if !ok {
		cs = &channelSubs{conns: make(map[string]*Conn), peers: make(map[string]struct{})}
		r.channels[channel] = cs
	}
	return cs
}

func (r *Registry) lookup(channel string) *channelSubs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[channel]
}

// maxReplayPasses bounds how often Subscribe chases a moving head before it
// takes the fan-out lock for the remainder.
const maxReplayPasses = 8

// Subscribe replays (cursor, head] into conn, then adds conn to the live set
// of channel. A cursor past the head is clamped to the head.
//
// History is replayed outside the fan-out lock and waits for the reader to
// make room, so a long backlog neither stalls commits nor drops a reader
// that keeps up; Subscribe returns early only when ctx is done or conn is
// closed. The short tail committed meanwhile is replayed under the lock,
// after which conn is live and dropped with errs.ErrFull if it falls a whole
// queue behind.
func (r *Registry) Subscribe(ctx context.Context, conn *Conn, channel string, cursor uint64) error {
	head, err := r.replay.TailPosition(ctx, channel)
	if err != nil {
		return err
	}
	if cursor > head {
		cursor = head
	}
	conn.advance(channel, cursor)

	for pass := 0; pass < maxReplayPasses && cursor < head; pass++ {
		err := r.replayRange(ctx, channel, cursor, head, func(ev event.Event) error {
			return conn.send(ctx, ev)
		})
		if err != nil {
			return err
		}
		// quarantined or filtered positions still count as delivered
		conn.advance(channel, head)
		cursor = head
		if head, err = r.replay.TailPosition(ctx, channel); err != nil {
			return err
		}
	}

	cs := r.subs(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if head, err = r.replay.TailPosition(ctx, channel); err != nil {
		return err
	}
	if cursor < head {
		err := r.replayRange(ctx, channel, cursor, head, func(ev event.Event) error {
			if _, ok := conn.offer(ev); !ok {
				return fmt.Errorf("replay %s: %w", channel, conn.Err())
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errs.ErrFull) {
				r.metrics.SubscriberDropped()
			}
			return err
		}
	}
	conn.advance(channel, head)
	if conn.closed() {
		return conn.Err()
	}

	if _, exists := cs.conns[conn.id]; !exists {
		r.metrics.Subscribers(1)
	}
	cs.conns[conn.id] = conn
	r.logger.Debug("subscribed", log.Channel(channel), log.Str("conn", conn.id), log.Uint64("head", head))
	return nil
}

// replayRange hands the events in (from, to] to deliver.
func (r *Registry) replayRange(ctx context.Context, channel string, from, to uint64, deliver func(event.Event) error) error {
	c := r.replay.ReadRange(ctx, channel, from+1, to)
	defer c.Close()
	for c.Next() {
		if err := deliver(c.Event()); err != nil {
			return err
		}
	}
	return c.Err()
}

// Unsubscribe removes one subscriber from channel.
func (r *Registry) Unsubscribe(h Handle, channel string) {
	cs := r.lookup(channel)
	if cs == nil {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch h.Kind {
	case Connection:
		if _, ok := cs.conns[h.ID]; ok {
			delete(cs.conns, h.ID)
			r.metrics.Subscribers(-1)
		}
	case Peer:
		delete(cs.peers, h.ID)
	}
}

// Drop removes a subscriber from every channel.
func (r *Registry) Drop(h Handle) {
	r.mu.Lock()
	channels := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()
	for _, ch := range channels {
		r.Unsubscribe(h, ch)
	}
}

// FanoutTargets returns the live connections of channel.
func (r *Registry) FanoutTargets(channel string) []*Conn {
	cs := r.lookup(channel)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*Conn, 0, len(cs.conns))
	for _, c := range cs.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AddPeer marks peer as sharing channel.
func (r *Registry) AddPeer(channel, peer string) {
	cs := r.subs(channel)
	cs.mu.Lock()
	cs.peers[peer] = struct{}{}
	cs.mu.Unlock()
}

// RemovePeer forgets peer for channel.
func (r *Registry) RemovePeer(channel, peer string) {
	r.Unsubscribe(Handle{Kind: Peer, ID: peer}, channel)
}

// Peers returns the peers sharing channel, sorted.
func (r *Registry) Peers(channel string) []string {
	cs := r.lookup(channel)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, 0, len(cs.peers))
	for p := range cs.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Broadcast pushes ev to every live connection of its channel without
// blocking. Connections whose queue is full are dropped. It returns how many
// connections queued the event and how many were dropped.
func (r *Registry) Broadcast(ev event.Event) (delivered, dropped int) {
	cs := r.lookup(ev.ChannelID)
	if cs == nil {
		return 0, 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for id, c := range cs.conns {
		queued, ok := c.offer(ev)
		if queued {
			delivered++
			r.metrics.Delivered()
		}
		if ok {
			continue
		}
		delete(cs.conns, id)
		r.metrics.Subscribers(-1)
		if c.Err() == errs.ErrFull {
			dropped++
			r.metrics.SubscriberDropped()
			r.logger.Warn("dropping slow subscriber", log.Channel(ev.ChannelID), log.Str("conn", id))
		}
	}
	return delivered, dropped
}
