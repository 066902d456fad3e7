// Package metrics holds the Prometheus instruments for the call pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the Recorder interfaces of sentry, routing and calls.
type Metrics struct {
	registry *prometheus.Registry

	webhooks        *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	sentryVerdicts  *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	pipelineSeconds *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opbx",
			Name:      "webhooks_total",
			Help:      "Voice webhooks received by kind and HTTP status.",
		}, []string{"webhook", "status"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opbx",
			Name:      "webhook_duplicates_total",
			Help:      "Webhook deliveries dropped by the idempotency gate.",
		}, []string{"webhook"}),
		sentryVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opbx",
			Name:      "sentry_verdicts_total",
			Help:      "Sentry check results by check and action.",
		}, []string{"check", "action"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opbx",
			Name:      "routing_resolutions_total",
			Help:      "Routing outcomes by strategy.",
		}, []string{"strategy", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opbx",
			Name:      "call_transitions_total",
			Help:      "Call state transitions by kind and outcome.",
		}, []string{"transition", "outcome"}),
		pipelineSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opbx",
			Name:      "pipeline_duration_seconds",
			Help:      "Inbound pipeline latency by webhook.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 3, 5},
		}, []string{"webhook"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhooks, m.duplicates, m.sentryVerdicts, m.resolutions, m.transitions, m.pipelineSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SentryVerdict(check, action string) {
	m.sentryVerdicts.WithLabelValues(check, action).Inc()
}

func (m *Metrics) RoutingResolution(strategy, outcome string) {
	m.resolutions.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) CallTransition(kind, outcome string) {
	m.transitions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Duplicate(webhook string) {
	m.duplicates.WithLabelValues(webhook).Inc()
}

func (m *Metrics) ObservePipeline(webhook string, d time.Duration) {
	m.pipelineSeconds.WithLabelValues(webhook).Observe(d.Seconds())
}

// Webhooks counts responses on the voice webhook routes.
func (m *Metrics) Webhooks(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.webhooks.WithLabelValues(kind, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
