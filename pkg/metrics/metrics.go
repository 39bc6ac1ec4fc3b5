// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics is a set of collectors registered on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	events   *prometheus.CounterVec
	gaps     *prometheus.CounterVec
	dropped  prometheus.Counter
	sends    *prometheus.CounterVec
	pages    *prometheus.CounterVec
	resyncs  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	openConv prometheus.Gauge
}

// New registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_applied_total",
			Help: "Push events applied by the reconciler.",
		}, []string{"type"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliation_gaps_total",
			Help: "Push events dropped because their target was not known locally.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events rejected because the intake queue was full.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total",
			Help: "Outgoing message operations by kind and result.",
		}, []string{"kind", "result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pages_total",
			Help: "History page loads by result.",
		}, []string{"result"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resyncs_total",
			Help: "Conversation list refreshes by trigger.",
		}, []string{"trigger"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "REST round trip latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		openConv: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "conversations",
			Help: "Conversations held in the local store.",
		}),
	}
	reg.MustRegister(m.events, m.gaps, m.dropped, m.sends, m.pages, m.resyncs, m.latency, m.openConv)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// TrackQueue registers the intake queue depth gauge. Call it once.
func (m *Metrics) TrackQueue(depth func() float64) {
	if m == nil || depth == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "intake_queue_depth",
		Help: "Operations waiting in the intake queue.",
	}, depth))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) EventApplied(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Gap(typ string) {
	if m != nil {
		m.gaps.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

// Send records an outgoing operation; kind is send, resend, edit, delete
// or forward.
func (m *Metrics) Send(kind string, err error) {
	if m != nil {
		m.sends.WithLabelValues(kind, result(err)).Inc()
	}
}

func (m *Metrics) Page(err error) {
	if m != nil {
		m.pages.WithLabelValues(result(err)).Inc()
	}
}

// PageStale counts pages that completed after their conversation was left.
func (m *Metrics) PageStale() {
	if m != nil {
		m.pages.WithLabelValues("stale").Inc()
	}
}

func (m *Metrics) Resync(trigger string) {
	if m != nil {
		m.resyncs.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) Observe(op string, seconds float64) {
	if m != nil {
		m.latency.WithLabelValues(op).Observe(seconds)
	}
}

func (m *Metrics) SetConversations(n int) {
	if m != nil {
		m.openConv.Set(float64(n))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
