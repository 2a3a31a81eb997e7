// Package anomaly provides the cohort anomaly engine: robust preprocessing,
// an isolation forest and a per-feature z-score detector combined into one
// assessment per patient record.
//
// Training freezes every statistic the engine needs:
//
//	scaled_j = (x_j - median_j) / IQR_j          robust scaling, missing cells -> median_j
//	score    = 2^(-E[h(x)] / c(ψ))               isolation score over the scaled vector
//	z_j      = |x_j - mean_j| / sd_j             distance test over the raw imputed vector
//
// A record is an isolation anomaly when its score reaches the threshold taken
// at the (1 - contamination) quantile of the training scores, and a distance
// anomaly when any z_j exceeds the z threshold (2 by default). Zero IQR or
// standard deviation is replaced by a small epsilon.
//
// Use Pipeline.Train to obtain an immutable Model and Assess to score one
// record against it. Models are safe for concurrent use; assessment never
// recomputes statistics from the data being assessed.
package anomaly

import (
	"context"
	"fmt"

	"github.com/rewired-gh/cohortguard/internal/models"
)

// Config holds the engine parameters.
type Config struct {
	NumTrees      int
	SubsampleSize int
	Contamination float64
	Seed          int64
	Workers       int
	ZThreshold    float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		NumTrees:      100,
		SubsampleSize: 256,
		Contamination: 0.23,
		Seed:          42,
		Workers:       0,
		ZThreshold:    DefaultZThreshold,
	}
}

// Validate checks that all configuration values are usable
func (c Config) Validate() error {
	if err := c.forestConfig().validate(); err != nil {
		return err
	}
	if c.ZThreshold <= 0 {
		return fmt.Errorf("%w: z_threshold must be positive, got %g", ErrInvalidConfig, c.ZThreshold)
	}
	return nil
}

func (c Config) forestConfig() ForestConfig {
	return ForestConfig{
		NumTrees:      c.NumTrees,
		SubsampleSize: c.SubsampleSize,
		Contamination: c.Contamination,
		Seed:          c.Seed,
		Workers:       c.Workers,
	}
}

// Model is the frozen output of training. The zero value is an untrained
// model; a trained model is never modified, retraining yields a new one.
type Model struct {
	preprocessor *Preprocessor
	forest       *IsolationForest
	detector     *DistanceDetector
	trainedRows  int
}

// Trained reports whether the model completed training.
func (m *Model) Trained() bool {
	return m != nil && m.preprocessor != nil && m.forest != nil && m.detector != nil
}

// Preprocessor returns the frozen preprocessing statistics.
func (m *Model) Preprocessor() *Preprocessor { return m.preprocessor }

// Forest returns the trained isolation forest.
func (m *Model) Forest() *IsolationForest { return m.forest }

// Detector returns the fitted distance detector.
func (m *Model) Detector() *DistanceDetector { return m.detector }

// TrainedRows returns the size of the training cohort.
func (m *Model) TrainedRows() int { return m.trainedRows }

// Pipeline trains models with a fixed configuration.
type Pipeline struct {
	cfg Config
}

// NewPipeline creates a Pipeline after validating cfg.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Train validates the cohort schema, then fits the preprocessor, the
// isolation forest over the scaled cohort and the distance detector over the
// imputed raw cohort. Schema errors are reported before any statistic is
// computed. Training either returns a complete model or an error.
func (p *Pipeline) Train(ctx context.Context, cohort models.Cohort) (*Model, error) {
	if len(cohort) == 0 {
		return nil, ErrEmptyCohort
	}
	if err := cohort.Validate(); err != nil {
		return nil, err
	}

	pre, err := FitPreprocessor(cohort)
	if err != nil {
		return nil, err
	}

	raw := make([][]float64, len(cohort))
	scaled := make([][]float64, len(cohort))
	for i, rec := range cohort {
		if raw[i], err = pre.Impute(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		scaled[i] = pre.scale(raw[i])
	}

	forest, err := TrainForest(ctx, scaled, p.cfg.forestConfig())
	if err != nil {
		return nil, err
	}

	return &Model{
		preprocessor: pre,
		forest:       forest,
		detector:     FitDistanceDetector(raw, p.cfg.ZThreshold),
		trainedRows:  len(cohort),
	}, nil
}

// Assess scores exactly one record against a trained model. It returns
// ErrNotTrained for an untrained model and a *models.SchemaError listing every
// missing feature of the record.
func Assess(model *Model, rec models.Record) (models.AssessmentResult, error) {
	if !model.Trained() {
		return models.AssessmentResult{}, ErrNotTrained
	}

	raw, err := model.preprocessor.Impute(rec)
	if err != nil {
		return models.AssessmentResult{}, err
	}
	score := model.forest.Score(model.preprocessor.scale(raw))
	distanceAnomaly, z := model.detector.Evaluate(raw)

	return models.AssessmentResult{
		PatientID:        rec.PatientID,
		IsolationAnomaly: score >= model.forest.threshold,
		DistanceAnomaly:  distanceAnomaly,
		IsolationScore:   score,
		ZScores:          z,
	}, nil
}
