// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Jobs reaching a terminal status, by status.",
	}, []string{"status"})

	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_active",
		Help:      "Jobs currently executing a pipeline.",
	})

	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_queued",
		Help:      "Jobs waiting for a device.",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall-clock pipeline duration, by terminal status.",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"status"})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Executed actions, by kind and result status.",
	}, []string{"kind", "status"})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "action_duration_seconds",
		Help:      "Action execution duration, by kind.",
		Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 1800},
	}, []string{"kind"})

	DevicesByHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Registered devices, by health state.",
	}, []string{"health"})

	SchedulePasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_passes_total",
		Help:      "Scheduler passes over the pending queue.",
	})

	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sse_connections",
		Help:      "Open Server-Sent Events subscriptions.",
	})

	SSEConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sse_connection_duration_seconds",
		Help:      "Lifetime of closed SSE subscriptions.",
		Buckets:   []float64{1, 10, 60, 300, 900, 3600},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests, by method, normalized path and status.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by method and normalized path.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "path"})
)
