package prometheus

import (
	"time"

	"github.com/chimera-nas/vfscore/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterVFSMetricsConstructor(func() metrics.VFSMetrics {
		return newVFSMetrics()
	})
}

// vfsMetrics is the Prometheus implementation of metrics.VFSMetrics.
type vfsMetrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	openCacheHits    prometheus.Counter
	openCacheMisses  prometheus.Counter
	openFiles        prometheus.Gauge
	delegationDepth  prometheus.Gauge
}

func newVFSMetrics() *vfsMetrics {
	reg := metrics.GetRegistry()

	return &vfsMetrics{
		dispatchTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chimera_vfs_dispatch_total",
				Help: "Total number of VFS dispatch calls by operation and error code",
			},
			[]string{"op", "error_code"},
		),
		dispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chimera_vfs_dispatch_duration_seconds",
				Help:    "VFS dispatch call latency by operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		openCacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chimera_vfs_opencache_hits_total",
			Help: "Total number of open-file cache hits",
		}),
		openCacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chimera_vfs_opencache_misses_total",
			Help: "Total number of open-file cache misses",
		}),
		openFiles: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chimera_vfs_open_files",
			Help: "Current number of entries in the open-file cache",
		}),
		delegationDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chimera_vfs_delegation_queue_depth",
			Help: "Current number of queued delegation pool jobs",
		}),
	}
}

func (m *vfsMetrics) RecordDispatch(op string, duration time.Duration, errorCode string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(op, errorCode).Inc()
	m.dispatchDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *vfsMetrics) RecordOpenCacheHit() {
	if m == nil {
		return
	}
	m.openCacheHits.Inc()
}

func (m *vfsMetrics) RecordOpenCacheMiss() {
	if m == nil {
		return
	}
	m.openCacheMisses.Inc()
}

func (m *vfsMetrics) RecordOpenFiles(count int) {
	if m == nil {
		return
	}
	m.openFiles.Set(float64(count))
}

func (m *vfsMetrics) RecordDelegationQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.delegationDepth.Set(float64(depth))
}
