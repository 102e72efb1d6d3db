package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests and multiple servers never collide.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	UpstreamEvents   *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	CheckIns         *prometheus.CounterVec
	BargeIns         *prometheus.CounterVec
	TurnLatency      *prometheus.HistogramVec

	latencyWindow *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active interview sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client WebSocket messages by direction and event.",
		}, []string{"direction", "event"}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound queue results by event and outcome.",
		}, []string{"event", "result"}),
		UpstreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Realtime upstream events consumed by type.",
		}, []string{"type"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Realtime upstream errors by code.",
		}, []string{"code"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Upstream reconnect attempts by outcome.",
		}, []string{"outcome"}),
		CheckIns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_checkins_total",
			Help:      "Silence check-in prompts by escalation level.",
		}, []string{"level"}),
		BargeIns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Barge-ins by source (client or vad).",
		}, []string{"source"}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Per-turn latency intervals in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000, 4000, 8000},
		}, []string{"interval"}),
		latencyWindow: newLatencyWindow(256),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("ended_" + reason).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, event string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, event).Inc()
}

func (m *Metrics) ObserveOutboundMessage(event, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ObserveUpstreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.UpstreamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveUpstreamError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.UpstreamErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveReconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCheckIn(level int) {
	if m == nil {
		return
	}
	m.CheckIns.WithLabelValues(strconv.Itoa(level)).Inc()
	m.latencyWindow.ObserveIndicator("silence_checkin")
}

func (m *Metrics) ObserveBargeIn(source string) {
	if m == nil {
		return
	}
	m.BargeIns.WithLabelValues(source).Inc()
	m.latencyWindow.ObserveIndicator("barge_in_" + source)
}

// ObserveLatency records every interval that was measurable this turn.
func (m *Metrics) ObserveLatency(l LatencyMetrics) {
	if m == nil {
		return
	}
	for name, v := range l.intervals() {
		if v == nil {
			continue
		}
		m.TurnLatency.WithLabelValues(name).Observe(*v)
		m.latencyWindow.Observe(name, *v)
	}
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.latencyWindow.Snapshot()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
