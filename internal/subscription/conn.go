package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
)

var errNotBool = errors.New("filter must evaluate to a bool")

// HandleKind distinguishes local connections from peer servers.
type HandleKind int

const (
	Connection HandleKind = iota + 1
	Peer
)

// Handle identifies a subscriber.
type Handle struct {
	Kind HandleKind
	ID   string
}

// Conn is a live client connection's outbound queue. History replay waits
// for room in it; live events are pushed without blocking, and a full queue
// drops the connection with errs.ErrFull so the client must resubscribe from
// its last cursor.
type Conn struct {
	id     string
	queue  chan event.Event
	done   chan struct{}
	filter Filter

	once sync.Once
	mu   sync.Mutex
	err  error
	// cursors holds, per channel, the last local position handed to the
	// queue or skipped by the filter.
	cursors map[string]uint64
}

// NewConn creates a connection with a queue of size queueSize.
func NewConn(id string, queueSize int, filter Filter) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Conn{
		id:      id,
		queue:   make(chan event.Event, queueSize),
		done:    make(chan struct{}),
		filter:  filter,
		cursors: make(map[string]uint64),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Handle returns the subscriber handle of the connection.
func (c *Conn) Handle() Handle { return Handle{Kind: Connection, ID: c.id} }

// Events is the outbound queue, in delivery order.
func (c *Conn) Events() <-chan event.Event { return c.queue }

// Done is closed when the connection is dropped or closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: errs.ErrFull when it fell behind,
// errs.ErrClosed when closed by its owner, nil while live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Cursor returns the last position delivered for channel.
func (c *Conn) Cursor(channel string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[channel]
}

// Close ends the connection. Pending events stay readable from Events.
func (c *Conn) Close() { c.fail(errs.ErrClosed) }

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// offer enqueues ev without blocking. Events at or below the channel cursor
// were already delivered and are skipped. It returns false when the
// connection is gone or was just dropped for being full.
func (c *Conn) offer(ev event.Event) (queued, ok bool) {
	if c.closed() {
		return false, false
	}
	c.mu.Lock()
	if ev.LocalPosition <= c.cursors[ev.ChannelID] {
		c.mu.Unlock()
		return false, true
	}
	if !c.filter.Match(ev) {
		c.cursors[ev.ChannelID] = ev.LocalPosition
		c.mu.Unlock()
		return false, true
	}
	select {
	case c.queue <- ev:
		c.cursors[ev.ChannelID] = ev.LocalPosition
		c.mu.Unlock()
		return true, true
	default:
	}
	c.mu.Unlock()
	c.fail(errs.ErrFull)
	return false, false
}

// advance moves the channel cursor forward to pos.
func (c *Conn) advance(channel string, pos uint64) {
	c.mu.Lock()
	if c.cursors[channel] < pos {
		c.cursors[channel] = pos
	}
	c.mu.Unlock()
}

// send enqueues a replayed event, waiting until the reader makes room, ctx
// is done or the connection ends.
func (c *Conn) send(ctx context.Context, ev event.Event) error {
	if c.closed() {
		return c.Err()
	}
	c.mu.Lock()
	if ev.LocalPosition <= c.cursors[ev.ChannelID] {
		c.mu.Unlock()
		return nil
	}
	if !c.filter.Match(ev) {
		c.cursors[ev.ChannelID] = ev.LocalPosition
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case c.queue <- ev:
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	c.advance(ev.ChannelID, ev.LocalPosition)
	return nil
}
