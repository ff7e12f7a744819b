// Package coordinator is the single entry point for writes. It serializes
// appends per channel, so local positions are assigned without races while
// unrelated channels proceed in parallel, and hands every committed event to
// the dispatcher.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rzbill/chorus/internal/causality"
	"github.com/rzbill/chorus/internal/dispatch"
	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/keylock"
	"github.com/rzbill/chorus/internal/metrics"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/pkg/id"
	"github.com/rzbill/chorus/pkg/log"
)

// Signer signs events authored on this server.
type Signer interface {
	Sign(ev event.Event) (event.Event, error)
}

// Dispatcher delivers committed events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) dispatch.Report
}

// Reason explains why a foreign event was not applied.
type Reason string

const (
	ReasonDuplicate      Reason = "duplicate"
	ReasonBuffered       Reason = "buffered"
	ReasonUnknownChannel Reason = "unknown_channel"
	ReasonNotShared      Reason = "not_shared"
	ReasonOwnOrigin      Reason = "own_origin"
)

// Outcome of AcceptForeign. Released counts buffered successors that were
// applied along with an accepted event.
type Outcome struct {
	Accepted bool
	Reason   Reason
	Released int
}

func rejected(r Reason) Outcome { return Outcome{Reason: r} }

type Options struct {
	Self    string
	Logger  log.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Coordinator struct {
	self     string
	log      *eventlog.Log
	tracker  *causality.Tracker
	signer   Signer
	dispatch Dispatcher
	locks    *keylock.Arena
	ids      *id.Generator
	logger   log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(l *eventlog.Log, tracker *causality.Tracker, signer Signer, d Dispatcher, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		self:     opts.Self,
		log:      l,
		tracker:  tracker,
		signer:   signer,
		dispatch: d,
		locks:    keylock.New(),
		ids:      id.NewNodeGenerator(opts.Self),
		logger:   opts.Logger.With(log.Component("coordinator")),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
}

// Commit appends a locally authored event to channelID and dispatches it.
// The event, its origin index entry and the new local watermark are written
// in one batch; on error nothing is persisted and no position is consumed.
func (c *Coordinator) Commit(ctx context.Context, channelID, author string, payload event.Payload) (event.Event, error) {
	if msg, ok := payload.(event.Message); ok && msg.ID.IsZero() {
		msg.ID = c.ids.Next()
		payload = msg
	}
	if err := event.ValidatePayload(author, payload); err != nil {
		return event.Event{}, err
	}

	unlock := c.locks.Lock(channelID)
	defer unlock()

	if err := c.checkTarget(ctx, channelID, payload); err != nil {
		return event.Event{}, err
	}

	var committed event.Event
	_, err := c.tracker.NextLocal(ctx, channelID, c.self, func(opos uint64, wm storage.Entry) error {
		ev, err := c.log.Append(ctx, channelID, func(uint64) (event.Event, error) {
			return c.signer.Sign(event.Event{
				ChannelID:      channelID,
				OriginServer:   c.self,
				OriginPosition: opos,
				Timestamp:      c.now().UTC().Truncate(time.Millisecond),
				Author:         author,
				Payload:        payload,
			})
		}, wm)
		committed = ev
		return err
	})
	if err != nil {
		c.metrics.Commit(false)
		return event.Event{}, err
	}
	c.metrics.Commit(true)
	c.dispatch.Dispatch(ctx, committed)
	return committed, nil
}

// checkTarget rejects local events that refer to an event this server does
// not have. Reactions, replies and pins must point at a message.
func (c *Coordinator) checkTarget(ctx context.Context, channelID string, p event.Payload) error {
	ref, ok := event.Target(p)
	if !ok {
		return nil
	}
	if _, err := c.log.TailPosition(ctx, channelID); err != nil {
		return err
	}
	target, err := c.log.Resolve(ctx, channelID, ref)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.WrapInvalid(fmt.Errorf("%w: %s target %s not found", errs.ErrInvalidEvent, p.Kind(), ref), "coordinator", "commit")
	}
	if err != nil {
		return err
	}
	if _, isRedaction := p.(event.Redaction); !isRedaction && target.Payload.Kind() != event.KindMessage {
		return errs.WrapInvalid(fmt.Errorf("%w: %s target %s is a %s, not a message", errs.ErrInvalidEvent, p.Kind(), ref, target.Payload.Kind()), "coordinator", "commit")
	}
	return nil
}

// AcceptForeign applies a verified event that peer from delivered. from may
// be a relay rather than the origin, but must share the channel. It is
// idempotent: redelivery of an applied event is rejected as a duplicate.
func (c *Coordinator) AcceptForeign(ctx context.Context, from string, ev event.Event) (Outcome, error) {
	if ev.OriginServer == c.self {
		c.metrics.Foreign("rejected")
		return rejected(ReasonOwnOrigin), nil
	}
	ch, err := c.log.Channel(ctx, ev.ChannelID)
	if errors.Is(err, errs.ErrUnknownChannel) {
		c.metrics.Foreign("rejected")
		return rejected(ReasonUnknownChannel), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if !slices.Contains(ch.Peers, from) {
		c.logger.Warn("event from a peer that does not share the channel",
			log.Channel(ev.ChannelID), log.Peer(from), log.Str("origin", ev.OriginServer))
		c.metrics.Foreign("rejected")
		return rejected(ReasonNotShared), nil
	}

	unlock := c.locks.Lock(ev.ChannelID)
	defer unlock()

	res, err := c.tracker.Observe(ctx, ev, c.applyForeign)
	if err != nil {
		c.metrics.Foreign("error")
		return Outcome{}, err
	}
	switch res.Kind {
	case causality.Accept:
		c.metrics.Foreign("accepted")
		return Outcome{Accepted: true, Released: res.Released}, nil
	case causality.Duplicate:
		c.metrics.Foreign("duplicate")
		return rejected(ReasonDuplicate), nil
	default:
		c.metrics.Foreign("buffered")
		return rejected(ReasonBuffered), nil
	}
}

// applyForeign runs under the channel lock for ev and for every buffered
// successor the tracker releases.
func (c *Coordinator) applyForeign(ctx context.Context, ev event.Event, wm storage.Entry) error {
	committed, err := c.log.Append(ctx, ev.ChannelID, eventlog.Static(ev), wm)
	if err != nil {
		return err
	}
	c.dispatch.Dispatch(ctx, committed)
	return nil
}
