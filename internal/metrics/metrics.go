// Package metrics provides Prometheus metrics for abot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "abot"
)

// Alert pipeline metrics. They mirror the in-process stats counters.
var (
	// AlertsReceivedTotal counts accepted alerts by member and severity.
	AlertsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "received_total",
			Help:      "Total alerts accepted for dispatch",
		},
		[]string{"member", "severity"},
	)

	// AlertsMatchedTotal counts alerts with at least one matching subscription.
	AlertsMatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "matched_total",
			Help:      "Total alerts that matched at least one subscription",
		},
	)

	// AlertsRejectedTotal counts alerts refused by validation.
	AlertsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "rejected_total",
			Help:      "Total alerts rejected by validation",
		},
		[]string{"source"},
	)

	// DeliveriesTotal counts per-recipient outcomes (delivered, muted, failed).
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deliveries",
			Name:      "total",
			Help:      "Per-recipient delivery outcomes",
		},
		[]string{"outcome"},
	)

	// DeliveryDuration tracks sink send latency including the retry.
	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deliveries",
			Name:      "duration_seconds",
			Help:      "Delivery latency in seconds, retries included",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Command metrics
var (
	// CommandsTotal counts chat commands by name and result (ok, parse_error, error).
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total chat commands handled",
		},
		[]string{"command", "result"},
	)
)

// Registry metrics
var (
	// Subscriptions is the current number of subscriptions.
	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions",
			Help:      "Current number of subscriptions",
		},
	)

	// PersistenceDegraded is 1 while the registry runs without durable storage.
	PersistenceDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "persistence_degraded",
			Help:      "1 if the last registry save failed",
		},
	)
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// Build info
var buildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information",
	},
	[]string{"version"},
)

// SetBuildInfo sets the build information metric.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// SetDegraded mirrors the registry persistence health.
func SetDegraded(degraded bool) {
	if degraded {
		PersistenceDegraded.Set(1)
		return
	}
	PersistenceDegraded.Set(0)
}
