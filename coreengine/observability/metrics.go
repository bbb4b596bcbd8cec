// Package observability provides Prometheus metrics instrumentation for the cleanup engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TICK METRICS
// =============================================================================

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_ticks_total",
			Help: "Total number of cleanup ticks",
		},
		[]string{"trigger", "status"}, // trigger: scheduled, manual; status: ok, partial
	)

	tickDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "janitor_tick_duration_seconds",
			Help:    "Cleanup tick duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"trigger"},
	)
)

// =============================================================================
// CACHE METRICS
// =============================================================================

var (
	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_cache_evictions_total",
			Help: "Total number of cache entries removed by eviction",
		},
		[]string{"cache", "reason"}, // reason: expired, lru
	)

	cacheBytesFreedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_cache_bytes_freed_total",
			Help: "Total bytes released by cache eviction",
		},
		[]string{"cache"},
	)

	cacheResidentBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "janitor_cache_resident_bytes",
			Help: "Cache resident size after the last eviction",
		},
		[]string{"cache"},
	)
)

// =============================================================================
// PROCESS METRICS
// =============================================================================

var (
	processCleanupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_process_cleanups_total",
			Help: "Total number of process cleanup calls",
		},
		[]string{"strategy", "state"}, // state: terminated, failed
	)

	processCleanupDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "janitor_process_cleanup_duration_seconds",
			Help:    "Process cleanup duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"strategy"},
	)

	processesExitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "janitor_processes_exited_total",
			Help: "Tracked processes found gone by reconciliation",
		},
	)
)

// =============================================================================
// SWEEP METRICS
// =============================================================================

var (
	sweepFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_sweep_files_total",
			Help: "Files seen by filesystem sweeps",
		},
		[]string{"rule_set", "result"}, // result: matched, eligible, acted
	)

	sweepBytesFreedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_sweep_bytes_freed_total",
			Help: "Total bytes released by filesystem sweeps",
		},
		[]string{"rule_set"},
	)

	sweepErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_sweep_errors_total",
			Help: "Per-file sweep errors",
		},
		[]string{"rule_set"},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, Unavailable, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "janitor_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTick records a completed cleanup tick.
func RecordTick(trigger string, status string, durationMS int) {
	ticksTotal.WithLabelValues(trigger, status).Inc()
	tickDurationSeconds.WithLabelValues(trigger).Observe(float64(durationMS) / 1000.0)
}

// RecordCacheEviction records one eviction pass of the named cache.
func RecordCacheEviction(name string, expired, lruEvicted int, bytesFreed, residentBytes int64) {
	cacheEvictionsTotal.WithLabelValues(name, "expired").Add(float64(expired))
	cacheEvictionsTotal.WithLabelValues(name, "lru").Add(float64(lruEvicted))
	cacheBytesFreedTotal.WithLabelValues(name).Add(float64(bytesFreed))
	cacheResidentBytes.WithLabelValues(name).Set(float64(residentBytes))
}

// RecordProcessCleanup records one cleanup call.
func RecordProcessCleanup(strategy string, state string, durationMS int) {
	processCleanupsTotal.WithLabelValues(strategy, state).Inc()
	processCleanupDurationSeconds.WithLabelValues(strategy).Observe(float64(durationMS) / 1000.0)
}

// RecordProcessesExited records processes reconciliation found gone.
func RecordProcessesExited(count int) {
	processesExitedTotal.Add(float64(count))
}

// RecordSweep records one rule set sweep.
func RecordSweep(ruleSet string, matched, eligible, acted int, bytesFreed int64, errors int) {
	sweepFilesTotal.WithLabelValues(ruleSet, "matched").Add(float64(matched))
	sweepFilesTotal.WithLabelValues(ruleSet, "eligible").Add(float64(eligible))
	sweepFilesTotal.WithLabelValues(ruleSet, "acted").Add(float64(acted))
	sweepBytesFreedTotal.WithLabelValues(ruleSet).Add(float64(bytesFreed))
	sweepErrorsTotal.WithLabelValues(ruleSet).Add(float64(errors))
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
