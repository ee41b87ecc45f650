// Package metrics defines the VFS core's metric surfaces and the
// nil-disables-zero-overhead registry pattern used throughout: every
// concrete Prometheus type under pkg/metrics/prometheus holds a pointer
// that is nil unless InitRegistry was called, and every Record*/Observe*
// method on those types is nil-receiver safe.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var reg *prometheus.Registry

// InitRegistry enables metrics collection, backing every subsequent
// pkg/metrics/prometheus constructor with reg. Call once at startup before
// constructing any VFS core component. A nil reg here (the default, when
// InitRegistry is never called) means every metrics constructor returns
// nil and every Record/Observe call on the result is a no-op.
func InitRegistry(r *prometheus.Registry) {
	reg = r
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return reg != nil
}

// GetRegistry returns the registry passed to InitRegistry. Callers must
// check IsEnabled first; GetRegistry panics on a nil registry because it
// is only ever dereferenced from inside an IsEnabled guard.
func GetRegistry() *prometheus.Registry {
	if reg == nil {
		panic("metrics: GetRegistry called before InitRegistry")
	}
	return reg
}
