// Package metrics exposes Prometheus metrics for the control plane: fleet
// composition, live WebSocket connections, outstanding commands, audit
// volume, and webhook delivery health.
package metrics

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var webhookDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// FleetCounter returns agent counts by status and by tag.
type FleetCounter interface {
	Count() map[string]int
	TagCounts() map[string]int
}

// HubStats provides WebSocket connection info.
type HubStats interface {
	Connected() int
}

// PendingCommandCounter provides outstanding-command queue depth.
type PendingCommandCounter interface {
	PendingCount() int
}

// AuditCounter provides audit log stats.
type AuditCounter interface {
	Count() int
}

// Collector holds references to all stat sources and the Prometheus
// collectors derived from them.
type Collector struct {
	fleet     FleetCounter
	hub       HubStats
	commands  PendingCommandCounter
	audit     AuditCounter
	startTime time.Time

	registry *prometheus.Registry

	agentsTotal        *prometheus.GaugeVec
	agentsRegistered   prometheus.Gauge
	agentsByTag        *prometheus.GaugeVec
	websocketConns     prometheus.Gauge
	commandsPending    prometheus.Gauge
	auditEventsTotal   prometheus.Gauge
	uptimeSeconds      prometheus.GaugeFunc
	webhooksSentTotal  *prometheus.CounterVec
	webhooksErrorTotal *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
}

// NewCollector creates a metrics collector and registers every gauge and
// counter against a fresh, private Prometheus registry.
func NewCollector(fleet FleetCounter, hub HubStats, commands PendingCommandCounter, audit AuditCounter) *Collector {
	c := &Collector{
		fleet:     fleet,
		hub:       hub,
		commands:  commands,
		audit:     audit,
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),

		agentsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentryctl_agents_total",
			Help: "Total number of registered agents by status.",
		}, []string{"status"}),
		agentsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryctl_agents_registered",
			Help: "Total number of registered agents.",
		}),
		agentsByTag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentryctl_agents_by_tag",
			Help: "Number of agents per tag.",
		}, []string{"tag"}),
		websocketConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryctl_websocket_connections",
			Help: "Current active WebSocket connections.",
		}),
		commandsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryctl_commands_pending",
			Help: "Current queued or in-flight commands across the fleet.",
		}),
		auditEventsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryctl_audit_events_total",
			Help: "Total audit events recorded.",
		}),
		webhooksSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryctl_webhooks_sent_total",
			Help: "Total webhook deliveries by event type and status.",
		}, []string{"event_type", "status"}),
		webhooksErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryctl_webhooks_errors_total",
			Help: "Total webhook delivery errors by type.",
		}, []string{"event_type", "error_type"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentryctl_webhook_duration_seconds",
			Help:    "Webhook delivery duration in seconds.",
			Buckets: webhookDurationBuckets,
		}, []string{"event_type"}),
	}

	c.uptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sentryctl_uptime_seconds",
		Help: "Control plane uptime in seconds.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	c.registry.MustRegister(
		c.agentsTotal,
		c.agentsRegistered,
		c.agentsByTag,
		c.websocketConns,
		c.commandsPending,
		c.auditEventsTotal,
		c.uptimeSeconds,
		c.webhooksSentTotal,
		c.webhooksErrorTotal,
		c.webhookDuration,
	)

	return c
}

// RecordWebhookDelivery records webhook delivery metrics for one dispatch attempt.
func (c *Collector) RecordWebhookDelivery(eventType string, statusCode int, duration time.Duration, err error) {
	if eventType == "" {
		eventType = "unknown"
	}

	status := "success"
	if err != nil {
		status = "failure"
	}
	c.webhooksSentTotal.WithLabelValues(eventType, status).Inc()
	c.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if err != nil {
		c.webhooksErrorTotal.WithLabelValues(eventType, classifyWebhookError(err, statusCode)).Inc()
	}
}

// snapshot pulls live values from every collaborator into the registered
// gauges immediately before a scrape.
func (c *Collector) snapshot() {
	counts := c.fleet.Count()
	total := 0
	for status, count := range counts {
		c.agentsTotal.WithLabelValues(status).Set(float64(count))
		total += count
	}
	for _, s := range []string{"online", "offline", "degraded", "pending"} {
		if _, ok := counts[s]; !ok {
			c.agentsTotal.WithLabelValues(s).Set(0)
		}
	}
	c.agentsRegistered.Set(float64(total))

	for tag, count := range c.fleet.TagCounts() {
		c.agentsByTag.WithLabelValues(tag).Set(float64(count))
	}

	c.websocketConns.Set(float64(c.hub.Connected()))
	c.commandsPending.Set(float64(c.commands.PendingCount()))
	c.auditEventsTotal.Set(float64(c.audit.Count()))
}

// Handler returns an HTTP handler that refreshes gauges from the live
// collaborators and serves Prometheus text format.
func (c *Collector) Handler() http.Handler {
	inner := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.snapshot()
		inner.ServeHTTP(w, r)
	})
}

func classifyWebhookError(err error, statusCode int) string {
	if statusCode >= 400 {
		return "http_status"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	return "delivery"
}
