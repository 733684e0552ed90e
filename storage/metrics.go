/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import "github.com/prometheus/client_golang/prometheus"

// MemoryMetricsCollector represents a collector of metrics for MemoryStorage.
type MemoryMetricsCollector interface {
	// SetAmount sets the total number of stored keys.
	SetAmount(int)

	// IncHits increments the number of lookups of existing keys.
	IncHits()

	// IncMisses increments the number of lookups of absent (or expired) keys.
	IncMisses()

	// AddEvictions increments the number of keys evicted because of the MaxKeys limit.
	AddEvictions(int)
}

// MemoryPrometheusMetrics represents Prometheus metrics for MemoryStorage.
type MemoryPrometheusMetrics struct {
	KeysAmount     prometheus.Gauge
	HitsTotal      prometheus.Counter
	MissesTotal    prometheus.Counter
	EvictionsTotal prometheus.Counter
}

var _ MemoryMetricsCollector = (*MemoryPrometheusMetrics)(nil)

// NewMemoryPrometheusMetrics creates a new instance of MemoryPrometheusMetrics.
func NewMemoryPrometheusMetrics(namespace string) *MemoryPrometheusMetrics {
	return &MemoryPrometheusMetrics{
		KeysAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_storage_keys_amount",
			Help:      "Total number of keys in the in-memory rate limiting storage.",
		}),
		HitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_storage_hits_total",
			Help:      "Number of lookups of existing keys in the in-memory rate limiting storage.",
		}),
		MissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_storage_misses_total",
			Help:      "Number of lookups of absent keys in the in-memory rate limiting storage.",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_storage_evictions_total",
			Help:      "Number of keys evicted from the in-memory rate limiting storage.",
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *MemoryPrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.KeysAmount, pm.HitsTotal, pm.MissesTotal, pm.EvictionsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *MemoryPrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.KeysAmount)
	prometheus.Unregister(pm.HitsTotal)
	prometheus.Unregister(pm.MissesTotal)
	prometheus.Unregister(pm.EvictionsTotal)
}

// SetAmount sets the total number of stored keys.
func (pm *MemoryPrometheusMetrics) SetAmount(amount int) {
	pm.KeysAmount.Set(float64(amount))
}

// IncHits increments the number of lookups of existing keys.
func (pm *MemoryPrometheusMetrics) IncHits() {
	pm.HitsTotal.Inc()
}

// IncMisses increments the number of lookups of absent keys.
func (pm *MemoryPrometheusMetrics) IncMisses() {
	pm.MissesTotal.Inc()
}

// AddEvictions increments the number of evicted keys.
func (pm *MemoryPrometheusMetrics) AddEvictions(n int) {
	pm.EvictionsTotal.Add(float64(n))
}

type disabledMemoryMetrics struct{}

func (disabledMemoryMetrics) SetAmount(int)    {}
func (disabledMemoryMetrics) IncHits()         {}
func (disabledMemoryMetrics) IncMisses()       {}
func (disabledMemoryMetrics) AddEvictions(int) {}
