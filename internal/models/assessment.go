package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// AssessmentResult is the engine's verdict on a single record.
// It carries no timestamps so that assessing the same record against the same
// model always yields an equal value.
type AssessmentResult struct {
	PatientID        string             `json:"patient"`
	IsolationAnomaly bool               `json:"isolation_anomaly"`
	DistanceAnomaly  bool               `json:"distance_anomaly"`
	IsolationScore   float64            `json:"isolation_score"`
	ZScores          map[string]float64 `json:"z_scores"`
}

// Flagged reports whether either detector marked the record.
func (r AssessmentResult) Flagged() bool {
	return r.IsolationAnomaly || r.DistanceAnomaly
}

// ZScoreColumn returns the output column name for a feature's z-score.
func ZScoreColumn(feature string) string {
	return feature + "_z_score"
}

// Assessment is an AssessmentResult stamped for storage and notification.
type Assessment struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	AssessedAt time.Time `json:"assessed_at"`
	AssessmentResult
}

// Validate checks that all assessment fields are valid
func (a *Assessment) Validate() error {
	if a.ID == "" {
		return errors.New("assessment ID must not be empty")
	}
	if a.RunID == "" {
		return errors.New("run ID must not be empty")
	}
	if math.IsNaN(a.IsolationScore) || a.IsolationScore < 0.0 || a.IsolationScore > 1.0 {
		return errors.New("isolation score must be between 0.0 and 1.0")
	}
	for _, name := range FeatureNames {
		z, ok := a.ZScores[name]
		if !ok {
			return fmt.Errorf("z-score for %s must be present", name)
		}
		if math.IsNaN(z) || math.IsInf(z, 0) {
			return fmt.Errorf("z-score for %s: %w", name, ErrNonFinite)
		}
		if z < 0 {
			return fmt.Errorf("z-score for %s must not be negative", name)
		}
	}
	if a.AssessedAt.IsZero() {
		return errors.New("assessed at must be set")
	}
	if a.AssessedAt.After(time.Now()) {
		return errors.New("assessed at must not be in the future")
	}
	return nil
}
