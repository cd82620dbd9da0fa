// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package metrics provides Prometheus instrumentation for the supervisor
// and its workers. Workers share the default registry; every series is
// labeled by port so per-worker behavior stays visible even though all
// workers live in one process image.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by worker port, method and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinsmith_http_requests_total",
			Help: "Total HTTP requests handled by workers",
		},
		[]string{"port", "method", "status"},
	)

	// RequestDuration observes request latency per worker port and method.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinsmith_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"port", "method"},
	)

	// ActiveRequests gauges in-flight requests per worker port.
	ActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinsmith_http_requests_in_flight",
			Help: "Requests currently being handled",
		},
		[]string{"port"},
	)

	// CacheHits counts output-cache hits per worker port.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinsmith_output_cache_hits_total",
			Help: "Output cache lookups answered without recomputation",
		},
		[]string{"port"},
	)

	// CacheMisses counts output-cache misses per worker port.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinsmith_output_cache_misses_total",
			Help: "Output cache lookups that required computation",
		},
		[]string{"port"},
	)

	// GuardDenials counts whitelist rejections per worker port. reason is
	// "denied" for an address outside every block, "malformed" for an
	// unparseable source address.
	GuardDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinsmith_whitelist_denials_total",
			Help: "Requests rejected by the source-address whitelist",
		},
		[]string{"port", "reason"},
	)

	// WorkerStates gauges how many workers are in each lifecycle state.
	WorkerStates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinsmith_worker_states",
			Help: "Workers per lifecycle state",
		},
		[]string{"state"},
	)

	// BrokerPublishes counts broker publish attempts by outcome.
	BrokerPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinsmith_broker_publishes_total",
			Help: "Publish-only broker client attempts",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records one completed HTTP request.
func RecordRequest(port int, method string, status int, duration time.Duration) {
	p := strconv.Itoa(port)
	RequestsTotal.WithLabelValues(p, method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(p, method).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight gauge for a worker.
func TrackActiveRequest(port int, start bool) {
	if start {
		ActiveRequests.WithLabelValues(strconv.Itoa(port)).Inc()
	} else {
		ActiveRequests.WithLabelValues(strconv.Itoa(port)).Dec()
	}
}

// RecordCacheHit counts an output-cache hit for a worker.
func RecordCacheHit(port int) {
	CacheHits.WithLabelValues(strconv.Itoa(port)).Inc()
}

// RecordCacheMiss counts an output-cache miss for a worker.
func RecordCacheMiss(port int) {
	CacheMisses.WithLabelValues(strconv.Itoa(port)).Inc()
}

// RecordGuardDenial counts a whitelist rejection for a worker.
func RecordGuardDenial(port int, reason string) {
	GuardDenials.WithLabelValues(strconv.Itoa(port), reason).Inc()
}

// SetWorkerState publishes the number of workers in a lifecycle state.
func SetWorkerState(state string, count int) {
	WorkerStates.WithLabelValues(state).Set(float64(count))
}

// RecordBrokerPublish counts one broker publish attempt. outcome is "ok",
// "error", or "dropped" for messages discarded while disconnected.
func RecordBrokerPublish(outcome string) {
	BrokerPublishes.WithLabelValues(outcome).Inc()
}
