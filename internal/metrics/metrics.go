// Package metrics holds the Prometheus collectors of a chorus server. A nil
// *Metrics is valid and records nothing, so components take one optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chorus"

// Metrics groups every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	commits            *prometheus.CounterVec // result: ok, error
	foreign            *prometheus.CounterVec // outcome: accepted, duplicate, buffered, rejected
	causality          *prometheus.CounterVec // result: accept, duplicate, gap, reset
	bufferedEvents     prometheus.Gauge
	deliveries         prometheus.Counter
	droppedSubscribers prometheus.Counter
	subscribers        prometheus.Gauge
	sinks              *prometheus.CounterVec // sink, result: ok, error, dropped
	fedSends           *prometheus.CounterVec // peer, result: ok, retry, failed
	forged             *prometheus.CounterVec // peer
	outboxPending      *prometheus.GaugeVec   // peer
	storageCommit      prometheus.Histogram
	storageReadBytes   prometheus.Counter
	integrity          *prometheus.CounterVec // result: checked, corrupt, missing, repaired
}

// New creates and registers every collector, plus Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "commits_total",
			Help: "Local commits by result",
		}, []string{"result"}),
		foreign: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "foreign_events_total",
			Help: "Federated events by outcome",
		}, []string{"outcome"}),
		causality: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "causality", Name: "observations_total",
			Help: "Causality observations by result",
		}, []string{"result"}),
		bufferedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "causality", Name: "buffered_events",
			Help: "Events held in reorder buffers",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "deliveries_total",
			Help: "Events queued to local subscribers",
		}),
		droppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "dropped_subscribers_total",
			Help: "Subscribers dropped because their queue was full",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "connections",
			Help: "Live subscribed connections",
		}),
		sinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "sink_notifications_total",
			Help: "Sink notifications by sink and result",
		}, []string{"sink", "result"}),
		fedSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "federation", Name: "sends_total",
			Help: "Outbound federation pushes by peer and result",
		}, []string{"peer", "result"}),
		forged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "federation", Name: "forged_events_total",
			Help: "Inbound events rejected for bad signatures, by sending peer",
		}, []string{"peer"}),
		outboxPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "federation", Name: "outbox_pending",
			Help: "Events queued for a peer",
		}, []string{"peer"}),
		storageCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "batch_commit_seconds",
			Help:    "Storage batch commit latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		storageReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "read_bytes_total",
			Help: "Bytes returned by point reads",
		}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "integrity_records_total",
			Help: "Records seen by the periodic integrity check, by result",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commits, m.foreign, m.causality, m.bufferedEvents,
		m.deliveries, m.droppedSubscribers, m.subscribers, m.sinks,
		m.fedSends, m.forged, m.outboxPending,
		m.storageCommit, m.storageReadBytes, m.integrity,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Commit(ok bool) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Foreign(outcome string) {
	if m == nil {
		return
	}
	m.foreign.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Causality(result string) {
	if m == nil {
		return
	}
	m.causality.WithLabelValues(result).Inc()
}

func (m *Metrics) Buffered(delta int) {
	if m == nil {
		return
	}
	m.bufferedEvents.Add(float64(delta))
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedSubscribers.Inc()
}

func (m *Metrics) Subscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// Sink records a sink notification outcome: ok, error or dropped.
func (m *Metrics) Sink(name, result string) {
	if m == nil {
		return
	}
	m.sinks.WithLabelValues(name, result).Inc()
}

// FederationSend records a push outcome: ok, retry or failed.
func (m *Metrics) FederationSend(peer, result string) {
	if m == nil {
		return
	}
	m.fedSends.WithLabelValues(peer, result).Inc()
}

func (m *Metrics) Forged(peer string) {
	if m == nil {
		return
	}
	m.forged.WithLabelValues(peer).Inc()
}

func (m *Metrics) OutboxPending(peer string, n int) {
	if m == nil {
		return
	}
	m.outboxPending.WithLabelValues(peer).Set(float64(n))
}

// ObserveRead implements the storage metrics hook.
func (m *Metrics) ObserveRead(_ time.Duration, bytes int) {
	if m == nil {
		return
	}
	m.storageReadBytes.Add(float64(bytes))
}

// ObserveBatchCommit implements the storage metrics hook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, _ int) {
	if m == nil {
		return
	}
	m.storageCommit.Observe(elapsed.Seconds())
}

// Integrity adds n records with the given integrity check result.
func (m *Metrics) Integrity(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.integrity.WithLabelValues(result).Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
