// Package metrics holds the Prometheus collectors of the bot. All methods
// are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatchbot"

type Metrics struct {
	reg *prometheus.Registry

	updates          *prometheus.CounterVec
	routed           *prometheus.CounterVec
	blocked          prometheus.Counter
	flooded          prometheus.Counter
	handlerErrors    *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	sends            *prometheus.CounterVec
	broadcastRuns    *prometheus.CounterVec
	broadcastLast    *prometheus.GaugeVec
	campaignsRunning prometheus.Gauge
	payments         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Inbound updates by kind.",
		}, []string{"kind"}),
		routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_total",
			Help:      "Updates by matched route (command, state, reply_button, inline_button, unconfigured, fallback, payment).",
		}, []string{"route"}),
		blocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Updates stopped by the block guard.",
		}),
		flooded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flood_dropped_total",
			Help:      "Updates dropped by the flood guard.",
		}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler errors by error kind.",
		}, []string{"kind"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one update.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_sends_total",
			Help:      "Outbound sends by result (ok, error).",
		}, []string{"result"}),
		broadcastRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_passes_total",
			Help:      "Completed broadcast passes by source and outcome.",
		}, []string{"source", "outcome"}),
		broadcastLast: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_last_recipients",
			Help:      "Recipients of the last broadcast pass by result.",
		}, []string{"source", "result"}),
		campaignsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "campaigns_running",
			Help:      "Scheduled campaigns currently running.",
		}),
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment events by stage (precheckout_ok, precheckout_declined, paid, refunded).",
		}, []string{"stage"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Update(kind string) {
	if m != nil {
		m.updates.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Routed(route string, took time.Duration) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(route).Inc()
	m.handlerDuration.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) Blocked() {
	if m != nil {
		m.blocked.Inc()
	}
}

func (m *Metrics) Flooded() {
	if m != nil {
		m.flooded.Inc()
	}
}

func (m *Metrics) HandlerError(kind string) {
	if m != nil {
		m.handlerErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Send(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.sends.WithLabelValues("ok").Inc()
	} else {
		m.sends.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) BroadcastPass(source, outcome string, sent, failed int) {
	if m == nil {
		return
	}
	m.broadcastRuns.WithLabelValues(source, outcome).Inc()
	m.broadcastLast.WithLabelValues(source, "sent").Set(float64(sent))
	m.broadcastLast.WithLabelValues(source, "failed").Set(float64(failed))
}

func (m *Metrics) CampaignsRunning(n int) {
	if m != nil {
		m.campaignsRunning.Set(float64(n))
	}
}

func (m *Metrics) Payment(stage string) {
	if m != nil {
		m.payments.WithLabelValues(stage).Inc()
	}
}
