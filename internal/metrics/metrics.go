// Package metrics records training and screening metrics in a dedicated
// Prometheus registry. The CLI is short-lived, so metrics are exported by
// writing the registry to a node-exporter textfile instead of serving them.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the cohortguard collectors
type Metrics struct {
	registry *prometheus.Registry

	TrainingsTotal     *prometheus.CounterVec
	TrainingDuration   prometheus.Histogram
	TrainingRows       prometheus.Gauge
	AssessmentsTotal   *prometheus.CounterVec
	IsolationScore     prometheus.Histogram
	IsolationThreshold prometheus.Gauge
}

// New creates the collectors and registers them in a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TrainingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cohortguard_trainings_total",
				Help: "Total number of model trainings",
			},
			[]string{"status"},
		),
		TrainingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cohortguard_training_duration_seconds",
				Help:    "Model training duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
		),
		TrainingRows: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cohortguard_training_rows",
				Help: "Number of records in the last training cohort",
			},
		),
		AssessmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cohortguard_assessments_total",
				Help: "Total number of assessed records by detector verdict",
			},
			[]string{"isolation", "distance"},
		),
		IsolationScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cohortguard_isolation_score",
				Help:    "Isolation forest anomaly scores of assessed records",
				Buckets: prometheus.LinearBuckets(0.3, 0.05, 10),
			},
		),
		IsolationThreshold: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cohortguard_isolation_threshold",
				Help: "Isolation score threshold of the current model",
			},
		),
	}
}

// ObserveTraining records the outcome of one training run
func (m *Metrics) ObserveTraining(rows int, threshold float64, elapsed time.Duration, err error) {
	if err != nil {
		m.TrainingsTotal.WithLabelValues("error").Inc()
		return
	}
	m.TrainingsTotal.WithLabelValues("success").Inc()
	m.TrainingDuration.Observe(elapsed.Seconds())
	m.TrainingRows.Set(float64(rows))
	m.IsolationThreshold.Set(threshold)
}

// ObserveAssessment records one assessment verdict
func (m *Metrics) ObserveAssessment(isolation, distance bool, score float64) {
	m.AssessmentsTotal.WithLabelValues(fmt.Sprint(isolation), fmt.Sprint(distance)).Inc()
	m.IsolationScore.Observe(score)
}

// WriteTextfile writes the registry in text exposition format to path
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
