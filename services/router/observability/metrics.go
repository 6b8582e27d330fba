// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the router.
//
// # Description
//
// Metrics cover the proxy path (requests, latency, streaming), the
// fleet (node counts, heartbeats), and the warm-up admission queue.
// All are exposed on /metrics for Prometheus scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fleetrouter"

// RouterMetrics holds every Prometheus metric the router emits.
//
// # Fields
//
//   - ProxiedRequestsTotal: Counter by endpoint, model, and outcome
//   - ProxyDurationSeconds: Histogram of upstream round-trip time
//   - ActiveProxyRequests: Gauge of in-flight proxied requests
//   - QueuedRequestsTotal: Counter of requests parked in the warm-up queue
//   - WaitingRequests: Gauge of currently parked requests
//   - HeartbeatsTotal: Counter of accepted heartbeats by node
//   - NodesByStatus: Gauge of registered nodes by status
//   - DownloadTasksTotal: Counter of download tasks by terminal status
type RouterMetrics struct {
	// ProxiedRequestsTotal counts proxied requests.
	// Labels: endpoint (chat, generate, embeddings), model, outcome
	// (success, error, rejected)
	ProxiedRequestsTotal *prometheus.CounterVec

	// ProxyDurationSeconds measures the upstream round trip.
	// Labels: endpoint, outcome
	ProxyDurationSeconds *prometheus.HistogramVec

	// ActiveProxyRequests tracks in-flight proxied requests.
	// Labels: endpoint
	ActiveProxyRequests *prometheus.GaugeVec

	// QueuedRequestsTotal counts requests parked by the warm-up gate.
	QueuedRequestsTotal prometheus.Counter

	// WaitingRequests tracks currently parked requests.
	WaitingRequests prometheus.Gauge

	// HeartbeatsTotal counts accepted heartbeats.
	// Labels: machine
	HeartbeatsTotal *prometheus.CounterVec

	// NodesByStatus tracks registered nodes by status.
	// Labels: status (online, offline)
	NodesByStatus *prometheus.GaugeVec

	// DownloadTasksTotal counts finished download tasks.
	// Labels: status (completed, failed)
	DownloadTasksTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *RouterMetrics

// InitMetrics creates and registers all router metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *RouterMetrics {
	DefaultMetrics = &RouterMetrics{
		ProxiedRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "proxied_requests_total",
				Help:      "Total proxied inference requests by endpoint, model, and outcome",
			},
			[]string{"endpoint", "model", "outcome"},
		),

		ProxyDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "proxy_duration_seconds",
				Help:      "Upstream round-trip time in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "outcome"},
		),

		ActiveProxyRequests: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_proxy_requests",
				Help:      "Currently in-flight proxied requests",
			},
			[]string{"endpoint"},
		),

		QueuedRequestsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "queued_requests_total",
				Help:      "Requests parked in the warm-up admission queue",
			},
		),

		WaitingRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "waiting_requests",
				Help:      "Requests currently waiting for a node to finish warming up",
			},
		),

		HeartbeatsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "heartbeats_total",
				Help:      "Accepted worker heartbeats",
			},
			[]string{"machine"},
		),

		NodesByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "nodes",
				Help:      "Registered nodes by status",
			},
			[]string{"status"},
		),

		DownloadTasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "download_tasks_total",
				Help:      "Finished model download tasks by terminal status",
			},
			[]string{"status"},
		),
	}
	return DefaultMetrics
}
