// Package dispatch delivers committed events to local subscribers, to
// federated peers sharing the channel and to side sinks such as the media
// notifier.
//
// Dispatch is called under the write coordinator's channel lock, so per
// peer and per subscriber delivery follows local position order. Sinks run on
// a worker pool and never hold up a commit.
package dispatch

import (
	"context"
	"time"

	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/metrics"
	"github.com/rzbill/chorus/pkg/log"
)

// Fanout is the local subscriber side, implemented by the subscription registry.
type Fanout interface {
	Broadcast(ev event.Event) (delivered, dropped int)
	Peers(channel string) []string
}

// Outbox queues an event for delivery to a peer server.
type Outbox interface {
	Enqueue(ctx context.Context, peer string, ev event.Event) error
}

// Sink is an extra consumer of committed events. Accepts is called inline
// and must be cheap; Notify runs on the dispatcher's pool.
type Sink interface {
	Name() string
	Accepts(ev event.Event) bool
	Notify(ctx context.Context, ev event.Event) error
}

type Options struct {
	Logger      log.Logger
	Metrics     *metrics.Metrics
	SinkWorkers int
	SinkQueue   int
}

// Report summarizes one Dispatch.
type Report struct {
	Delivered int
	Dropped   int
	Peers     []string
}

type sinkJob struct {
	sink Sink
	ev   event.Event
}

type Dispatcher struct {
	fanout  Fanout
	outbox  Outbox
	sinks   []Sink
	pool    *Pool[sinkJob]
	logger  log.Logger
	metrics *metrics.Metrics
}

// New returns a dispatcher. outbox may be nil on a server without federation.
func New(fanout Fanout, outbox Outbox, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	d := &Dispatcher{
		fanout:  fanout,
		outbox:  outbox,
		logger:  opts.Logger.With(log.Component("dispatch")),
		metrics: opts.Metrics,
	}
	d.pool = NewPool(opts.SinkWorkers, opts.SinkQueue, d.notify)
	return d
}

// AddSink registers s. Call before Start.
func (d *Dispatcher) AddSink(s Sink) { d.sinks = append(d.sinks, s) }

// Start runs the sink workers until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) { d.pool.Start(ctx) }

// Stop drains queued sink notifications, waiting at most timeout.
func (d *Dispatcher) Stop(timeout time.Duration) error { return d.pool.Stop(timeout) }

// Dispatch fans ev out. Peer enqueue failures are logged and not returned:
// the event is already committed and a peer that misses it will see a gap
// and backfill.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) Report {
	var rep Report
	rep.Delivered, rep.Dropped = d.fanout.Broadcast(ev)

	if d.outbox != nil {
		for _, peer := range d.fanout.Peers(ev.ChannelID) {
			if peer == ev.OriginServer {
				continue
			}
			if err := d.outbox.Enqueue(ctx, peer, ev); err != nil {
				d.logger.Warn("peer enqueue failed",
					log.Channel(ev.ChannelID), log.Peer(peer), log.Uint64("position", ev.LocalPosition), log.Err(err))
				continue
			}
			rep.Peers = append(rep.Peers, peer)
		}
	}

	for _, s := range d.sinks {
		if !s.Accepts(ev) {
			continue
		}
		if err := d.pool.Submit(sinkJob{sink: s, ev: ev}); err != nil {
			d.metrics.Sink(s.Name(), "dropped")
			d.logger.Warn("sink notification dropped", log.Str("sink", s.Name()), log.Channel(ev.ChannelID), log.Err(err))
		}
	}
	return rep
}

func (d *Dispatcher) notify(ctx context.Context, job sinkJob) error {
	if err := job.sink.Notify(ctx, job.ev); err != nil {
		d.metrics.Sink(job.sink.Name(), "error")
		d.logger.Warn("sink notification failed", log.Str("sink", job.sink.Name()), log.Channel(job.ev.ChannelID), log.Err(err))
		return err
	}
	d.metrics.Sink(job.sink.Name(), "ok")
	return nil
}
