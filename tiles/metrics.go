package tiles

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const metricsNamespace = "hybridtiles"

// Metrics collects engine metrics. A nil *Metrics records nothing.
type Metrics struct {
	// overall requests: # requests, request duration, response size by layer/source/status
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
	// dynamic generation
	generationDuration *prometheus.HistogramVec
	// archive existence cache
	existenceRequests *prometheus.CounterVec
	// dir cache: # requests, cache entries, cache bytes, cache bytes limit
	dirCacheEntries    prometheus.Gauge
	dirCacheSizeBytes  prometheus.Gauge
	dirCacheLimitBytes prometheus.Gauge
	dirCacheRequests   *prometheus.CounterVec
	// requests to bucket: # total, response duration by archive/status code
	bucketRequests        *prometheus.CounterVec
	bucketRequestDuration *prometheus.HistogramVec
	reloads               *prometheus.CounterVec
	// builder
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	// misc
	buildInfo *prometheus.GaugeVec
	buildTime prometheus.Gauge
}

func register[K prometheus.Collector](reg prometheus.Registerer, logger *zap.Logger, metric K) K {
	if err := reg.Register(metric); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(K); ok {
				return existing
			}
		}
		logger.Warn("registering metric", zap.Error(err))
	}
	return metric
}

// NewMetrics creates and registers all collectors. A nil registerer uses the
// default prometheus registry.
func NewMetrics(reg prometheus.Registerer, logger *zap.Logger) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib}
	buildBuckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}

	return &Metrics{
		requests: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Overall number of tile requests by handler, source and status",
		}, []string{"handler", "source", "status"})),
		requestDuration: register(reg, logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"handler", "source", "status"})),
		responseSize: register(reg, logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"handler", "source", "status"})),

		generationDuration: register(reg, logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dynamic",
			Name:      "generation_duration_seconds",
			Help:      "Duration of dynamic tile queries by outcome",
			Buckets:   durationBuckets,
		}, []string{"status"})),

		existenceRequests: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "existence_cache_requests_total",
			Help:      "Archive existence checks by status (hit/miss/error)",
		}, []string{"status"})),

		dirCacheEntries: register(reg, logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "dir_cache_entries",
			Help:      "Number of directories in the cache",
		})),
		dirCacheSizeBytes: register(reg, logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "dir_cache_size_bytes",
			Help:      "Current directory cache usage in bytes",
		})),
		dirCacheLimitBytes: register(reg, logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "dir_cache_limit_bytes",
			Help:      "Maximum directory cache size limit in bytes",
		})),
		dirCacheRequests: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "dir_cache_requests_total",
			Help:      "Requests to the directory cache by archive and status (hit/miss)",
		}, []string{"archive", "kind", "status"})),

		bucketRequests: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "bucket_requests_total",
			Help:      "Requests to the underlying bucket",
		}, []string{"archive", "kind", "status"})),
		bucketRequestDuration: register(reg, logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "bucket_request_duration_seconds",
			Help:      "Request duration in seconds for individual requests to the underlying bucket",
			Buckets:   durationBuckets,
		}, []string{"archive", "status"})),
		reloads: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "static",
			Name:      "bucket_reloads_total",
			Help:      "Number of times an archive was reloaded due to the etag changing",
		}, []string{"archive"})),

		builds: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "builder",
			Name:      "builds_total",
			Help:      "Archive builds by geometry family and status",
		}, []string{"family", "status"})),
		buildDuration: register(reg, logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "builder",
			Name:      "build_duration_seconds",
			Help:      "Archive build duration in seconds",
			Buckets:   buildBuckets,
		}, []string{"family"})),

		buildInfo: register(reg, logger, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buildinfo",
		}, []string{"version", "revision"})),
		buildTime: register(reg, logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buildtime",
		})),
	}
}

// SetBuildInfo initializes static metrics with version, git hash, and build time
func (m *Metrics) SetBuildInfo(version, commit, date string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
	t, err := time.Parse(time.RFC3339, date)
	if err == nil {
		m.buildTime.Set(float64(t.Unix()))
	} else {
		m.buildTime.Set(0)
	}
}

// utility to time an overall tile request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *Metrics
}

func (m *Metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, handler string, source Source, status, responseSize int) {
	if r.finished || r.metrics == nil {
		return
	}
	r.finished = true
	statusString := strconv.Itoa(status)
	if errors.Is(ctx.Err(), context.Canceled) {
		statusString = "canceled"
	}
	labels := []string{handler, source.String(), statusString}
	r.metrics.requests.WithLabelValues(labels...).Inc()
	r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
	r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
}

func (m *Metrics) generation(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.generationDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) existence(status string) {
	if m == nil {
		return
	}
	m.existenceRequests.WithLabelValues(status).Inc()
}

// InitCacheStats records the directory cache limit.
func (m *Metrics) InitCacheStats(limitBytes int) {
	if m == nil {
		return
	}
	m.dirCacheLimitBytes.Set(float64(limitBytes))
	m.CacheStats(0, 0)
}

// CacheRequest implements pmtiles.CacheObserver.
func (m *Metrics) CacheRequest(archive, kind, status string) {
	if m == nil {
		return
	}
	m.dirCacheRequests.WithLabelValues(archive, kind, status).Inc()
}

// CacheStats implements pmtiles.CacheObserver.
func (m *Metrics) CacheStats(sizeBytes, entries int) {
	if m == nil {
		return
	}
	m.dirCacheEntries.Set(float64(entries))
	m.dirCacheSizeBytes.Set(float64(sizeBytes))
}

// BucketRequest implements pmtiles.CacheObserver.
func (m *Metrics) BucketRequest(archive, kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	// exclude archive path from "not found" metrics to limit cardinality on requests for nonexistent archives
	if status == "404" || status == "403" {
		archive = ""
	}
	m.bucketRequests.WithLabelValues(archive, kind, status).Inc()
	m.bucketRequestDuration.WithLabelValues(archive, status).Observe(elapsed.Seconds())
}

// Reload implements pmtiles.CacheObserver.
func (m *Metrics) Reload(archive string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(archive).Inc()
}

// Build records one archive build.
func (m *Metrics) Build(family, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(family, status).Inc()
	m.buildDuration.WithLabelValues(family).Observe(elapsed.Seconds())
}
