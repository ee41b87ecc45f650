package metrics

import "time"

// VFSMetrics provides observability for the VFS core's dispatch path: the
// open-file cache, the per-thread dispatcher, and the delegation pool.
// Pass nil to disable metrics collection with zero overhead.
type VFSMetrics interface {
	// RecordDispatch records one completed ops.Dispatcher call.
	RecordDispatch(op string, duration time.Duration, errorCode string)

	// RecordOpenCacheHit/Miss record opencache.Cache lookups.
	RecordOpenCacheHit()
	RecordOpenCacheMiss()

	// RecordOpenFiles reports the current opencache.Cache population.
	RecordOpenFiles(count int)

	// RecordDelegationQueueDepth reports the delegation.Pool's pending
	// job count.
	RecordDelegationQueueDepth(depth int)
}

// newPrometheusVFSMetrics is set by pkg/metrics/prometheus/vfs.go's init(),
// mirroring the indirection the teacher uses to avoid an import cycle
// between pkg/metrics and pkg/metrics/prometheus.
var newPrometheusVFSMetrics func() VFSMetrics

// RegisterVFSMetricsConstructor is called by pkg/metrics/prometheus/vfs.go
// during package initialization.
func RegisterVFSMetricsConstructor(constructor func() VFSMetrics) {
	newPrometheusVFSMetrics = constructor
}

// NewVFSMetrics returns a Prometheus-backed VFSMetrics, or nil if metrics
// are not enabled (InitRegistry not called) or the prometheus package was
// never imported for its init() side effect.
func NewVFSMetrics() VFSMetrics {
	if !IsEnabled() || newPrometheusVFSMetrics == nil {
		return nil
	}
	return newPrometheusVFSMetrics()
}
