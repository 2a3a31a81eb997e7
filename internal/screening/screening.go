// Package screening runs the anomaly engine over a batch of records and fans
// the results out to the history store, the alert notifier and metrics.
//
// The engine itself is pure; this package owns IDs, timestamps, logging and
// every side effect. A store failure aborts the run because the history would
// otherwise be incomplete. A notifier failure is only logged.
package screening

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/cohortguard/internal/anomaly"
	"github.com/rewired-gh/cohortguard/internal/logger"
	"github.com/rewired-gh/cohortguard/internal/metrics"
	"github.com/rewired-gh/cohortguard/internal/models"
)

// Store persists assessments
type Store interface {
	SaveAssessment(ctx context.Context, a *models.Assessment) error
}

// Notifier delivers alerts for flagged assessments
type Notifier interface {
	Send(ctx context.Context, assessments []models.Assessment) error
}

// Report summarizes one screening run
type Report struct {
	RunID     string
	Results   []models.AssessmentResult
	Flagged   []models.Assessment
	StartedAt time.Time
	Duration  time.Duration
}

// Screener wires the pipeline to its collaborators. Store, notifier and
// metrics are optional.
type Screener struct {
	pipeline *anomaly.Pipeline
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Screener. Pass nil for any collaborator that is disabled.
func New(pipeline *anomaly.Pipeline, store Store, notifier Notifier, m *metrics.Metrics) *Screener {
	return &Screener{
		pipeline: pipeline,
		store:    store,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
	}
}

// Train fits a model on the cohort and records the outcome
func (s *Screener) Train(ctx context.Context, cohort models.Cohort) (*anomaly.Model, error) {
	cfg := s.pipeline.Config()
	logger.Info("Training on %d records (trees=%d, subsample=%d, contamination=%.2f, seed=%d)",
		len(cohort), cfg.NumTrees, cfg.SubsampleSize, cfg.Contamination, cfg.Seed)

	start := s.now()
	model, err := s.pipeline.Train(ctx, cohort)
	elapsed := s.now().Sub(start)

	if err != nil {
		s.observeTraining(len(cohort), 0, elapsed, err)
		logger.Error("Training failed: %v", err)
		return nil, fmt.Errorf("training failed: %w", err)
	}

	threshold := model.Forest().Threshold()
	s.observeTraining(model.TrainedRows(), threshold, elapsed, nil)
	logger.Info("Model trained in %v: subsample=%d, isolation threshold=%.4f",
		elapsed, model.Forest().SampleSize(), threshold)
	return model, nil
}

// Screen assesses records one at a time against model. Each result is stamped,
// stored and counted; flagged results are sent in a single notification at
// the end of the run.
func (s *Screener) Screen(ctx context.Context, model *anomaly.Model, records []models.Record) (*Report, error) {
	report := &Report{
		RunID:     uuid.New().String(),
		Results:   make([]models.AssessmentResult, 0, len(records)),
		StartedAt: s.now(),
	}
	logger.Info("Screening run %s: %d records", report.RunID, len(records))

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("screening cancelled after %d records: %w", i, err)
		}

		result, err := anomaly.Assess(model, rec)
		if err != nil {
			return nil, fmt.Errorf("failed to assess record %d (%s): %w", i, rec.PatientID, err)
		}
		report.Results = append(report.Results, result)

		if s.metrics != nil {
			s.metrics.ObserveAssessment(result.IsolationAnomaly, result.DistanceAnomaly, result.IsolationScore)
		}

		a := models.Assessment{
			ID:               uuid.New().String(),
			RunID:            report.RunID,
			AssessedAt:       s.now(),
			AssessmentResult: result,
		}
		if s.store != nil {
			if err := s.store.SaveAssessment(ctx, &a); err != nil {
				return nil, fmt.Errorf("failed to store assessment of %s: %w", rec.PatientID, err)
			}
		}

		if result.Flagged() {
			logger.Warn("Patient %s flagged: isolation=%t (score %.3f) distance=%t",
				result.PatientID, result.IsolationAnomaly, result.IsolationScore, result.DistanceAnomaly)
			report.Flagged = append(report.Flagged, a)
		} else {
			logger.Debug("Patient %s normal (score %.3f)", result.PatientID, result.IsolationScore)
		}
	}

	if s.notifier != nil && len(report.Flagged) > 0 {
		if err := s.notifier.Send(ctx, report.Flagged); err != nil {
			logger.Error("Failed to send notification for run %s: %v", report.RunID, err)
		} else {
			logger.Info("Sent notification for %d flagged records", len(report.Flagged))
		}
	}

	report.Duration = s.now().Sub(report.StartedAt)
	logger.Info("Run %s complete: %d assessed, %d flagged in %v",
		report.RunID, len(report.Results), len(report.Flagged), report.Duration)
	return report, nil
}

func (s *Screener) observeTraining(rows int, threshold float64, elapsed time.Duration, err error) {
	if s.metrics != nil {
		s.metrics.ObserveTraining(rows, threshold, elapsed, err)
	}
}
