/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// DecisionResult is a result of the rate-limiting check reported to metrics.
type DecisionResult string

// Decision results.
const (
	DecisionResultAllowed DecisionResult = "allowed"
	DecisionResultLimited DecisionResult = "limited"
	DecisionResultError   DecisionResult = "error"
)

// MetricsCollector represents a collector of metrics for the Gate.
type MetricsCollector interface {
	IncDecisions(alg Alg, result DecisionResult)
}

// PrometheusMetrics represents Prometheus metrics for the Gate.
type PrometheusMetrics struct {
	DecisionsTotal *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Number of rate-limiting decisions.",
		}, []string{"alg", "result"}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.DecisionsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.DecisionsTotal)
}

// IncDecisions increments the number of decisions with the given algorithm and result.
func (pm *PrometheusMetrics) IncDecisions(alg Alg, result DecisionResult) {
	pm.DecisionsTotal.WithLabelValues(string(alg), string(result)).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncDecisions(Alg, DecisionResult) {}
