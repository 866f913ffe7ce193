package carousel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aura-webinar/carousel/internal/models"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	snapshots   *prometheus.CounterVec
	writes      *prometheus.CounterVec
	ticks       *prometheus.CounterVec
	navigations *prometheus.CounterVec
	published   *prometheus.CounterVec
	activations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carousel",
			Name:      "snapshots_total",
			Help:      "Collection snapshots received, by result.",
		}, []string{"surface", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carousel",
			Name:      "reconcile_writes_total",
			Help:      "Activation corrections written back to the store, by result.",
		}, []string{"surface", "result"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carousel",
			Name:      "ticks_total",
			Help:      "Autoplay advances.",
		}, []string{"surface", "channel"}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carousel",
			Name:      "navigations_total",
			Help:      "Explicit navigation commands, by source.",
		}, []string{"surface", "channel", "source"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carousel",
			Name:      "published_sequences_total",
			Help:      "Ordered sequences published to a channel.",
		}, []string{"surface", "channel"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carousel",
			Name:      "activations_total",
			Help:      "Slide activations, by result.",
		}, []string{"surface", "result"}),
	}
	reg.MustRegister(m.snapshots, m.writes, m.ticks, m.navigations, m.published, m.activations)
	return m
}

func (m *Metrics) snapshot(surface string, err error) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(surface, result(err)).Inc()
}

func (m *Metrics) write(surface, res string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(surface, res).Inc()
}

func (m *Metrics) change(surface string, v ChannelView) {
	if m == nil {
		return
	}
	switch v.Cause {
	case CauseTick:
		m.ticks.WithLabelValues(surface, string(v.Channel)).Inc()
	case CausePublish:
		m.published.WithLabelValues(surface, string(v.Channel)).Inc()
	}
}

func (m *Metrics) navigation(surface string, ch models.Channel, source string) {
	if m == nil {
		return
	}
	m.navigations.WithLabelValues(surface, string(ch), source).Inc()
}

func (m *Metrics) activation(surface string, err error) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(surface, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
