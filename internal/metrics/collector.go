// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records pipeline execution metrics. A nil *Collector is valid
// and records nothing, so the core runs without a metrics registry.
type Collector struct {
	stagesTotal       *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	stageAttempts     *prometheus.HistogramVec
	regenerations     *prometheus.CounterVec
	approvalDecisions *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Total number of stage executions by terminal status",
		},
		[]string{"stage_id", "status"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage_id"},
	)

	c.stageAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_attempts",
			Help:      "Provider attempts consumed per stage execution",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"stage_id"},
	)

	c.regenerations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regenerations_total",
			Help:      "Total regenerate cycles triggered by rejections",
		},
		[]string{"stage_id", "source"}, // source: approval, review
	)

	c.approvalDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Total approval gate decisions",
		},
		[]string{"action"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per key (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordStage records a stage's terminal status, duration, and attempts.
func (c *Collector) RecordStage(stageID, status string, duration time.Duration, attempts int) {
	if c == nil {
		return
	}
	c.stagesTotal.WithLabelValues(stageID, status).Inc()
	c.stageDuration.WithLabelValues(stageID).Observe(duration.Seconds())
	if attempts > 0 {
		c.stageAttempts.WithLabelValues(stageID).Observe(float64(attempts))
	}
}

// RecordRegeneration records one regenerate cycle.
func (c *Collector) RecordRegeneration(stageID, source string) {
	if c == nil {
		return
	}
	c.regenerations.WithLabelValues(stageID, source).Inc()
}

// RecordApprovalDecision records one gate decision.
func (c *Collector) RecordApprovalDecision(action string) {
	if c == nil {
		return
	}
	c.approvalDecisions.WithLabelValues(action).Inc()
}

// RecordBreakerState records a circuit breaker state transition.
func (c *Collector) RecordBreakerState(key string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(key).Set(float64(state))
}
