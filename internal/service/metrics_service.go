package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP, cache, lifecycle and fan-out activity.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	transitions      *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	realtimeClients  prometheus.Gauge
	realtimeEvents   *prometheus.CounterVec
	fileCleanups     *prometheus.CounterVec
	attachmentBytes  prometheus.Histogram

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "complaint_status_transitions_total",
		Help: "Applied complaint status transitions",
	}, []string{"from", "to"})

	versionConflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "complaint_version_conflicts_total",
		Help: "Optimistic concurrency conflicts by operation and outcome",
	}, []string{"operation", "outcome"})

	realtimeClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_subscribers",
		Help: "Currently connected real-time subscribers",
	})

	realtimeEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Real-time events by type and delivery outcome",
	}, []string{"type", "outcome"})

	fileCleanups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attachment_file_cleanups_total",
		Help: "Attachment file deletions by source and outcome",
	}, []string{"source", "outcome"})

	attachmentBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attachment_upload_bytes",
		Help:    "Size of accepted attachment uploads",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, goroutines,
		transitions, versionConflicts, realtimeClients, realtimeEvents, fileCleanups, attachmentBytes)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,

		transitions:      transitions,
		versionConflicts: versionConflicts,
		realtimeClients:  realtimeClients,
		realtimeEvents:   realtimeEvents,
		fileCleanups:     fileCleanups,
		attachmentBytes:  attachmentBytes,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordTransition counts an applied status transition.
func (m *MetricsService) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordVersionConflict counts a compare-and-swap miss; outcome is "retried" or "exhausted".
func (m *MetricsService) RecordVersionConflict(operation, outcome string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(operation, outcome).Inc()
}

// SetRealtimeSubscribers reports the number of connected subscribers.
func (m *MetricsService) SetRealtimeSubscribers(n int) {
	if m == nil {
		return
	}
	m.realtimeClients.Set(float64(n))
}

// RecordRealtimeEvent counts a fan-out event by outcome.
func (m *MetricsService) RecordRealtimeEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordFileCleanup counts an attachment file deletion attempt.
func (m *MetricsService) RecordFileCleanup(source, outcome string) {
	if m == nil {
		return
	}
	m.fileCleanups.WithLabelValues(source, outcome).Inc()
}

// ObserveAttachmentSize records the size of an accepted upload.
func (m *MetricsService) ObserveAttachmentSize(size int64) {
	if m == nil {
		return
	}
	m.attachmentBytes.Observe(float64(size))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
