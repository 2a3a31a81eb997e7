package anomaly

import (
	"github.com/rewired-gh/cohortguard/internal/models"
)

// FeatureStats holds the robust scaling statistics of one feature.
type FeatureStats struct {
	Median float64
	IQR    float64
}

// Preprocessor imputes and robust-scales records with statistics frozen at
// fit time. It has no mutating methods once constructed.
type Preprocessor struct {
	stats []FeatureStats // schema order
}

// FitPreprocessor computes per-feature median and interquartile range over
// the cohort's numeric cells. Missing cells are excluded; a feature with no
// numeric cell at all gets a zero median and IQR.
func FitPreprocessor(cohort models.Cohort) (*Preprocessor, error) {
	if err := cohort.Validate(); err != nil {
		return nil, err
	}

	fs := make([]FeatureStats, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		col := cohort.Column(name)
		fs[i] = FeatureStats{
			Median: median(col),
			IQR:    interquartileRange(col),
		}
	}
	return &Preprocessor{stats: fs}, nil
}

// Stats returns the frozen statistics for a feature.
func (p *Preprocessor) Stats(name string) (FeatureStats, bool) {
	for i, n := range models.FeatureNames {
		if n == name {
			return p.stats[i], true
		}
	}
	return FeatureStats{}, false
}

// Impute returns the record's raw values in schema order with missing cells
// replaced by the training median.
func (p *Preprocessor) Impute(rec models.Record) ([]float64, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	out := make([]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		v, ok := rec.Value(name)
		if !ok {
			v = p.stats[i].Median
		}
		out[i] = v
	}
	return out, nil
}

// Transform imputes the record and scales every feature as
// (value - median) / IQR, substituting a small epsilon for a zero IQR.
func (p *Preprocessor) Transform(rec models.Record) ([]float64, error) {
	raw, err := p.Impute(rec)
	if err != nil {
		return nil, err
	}
	return p.scale(raw), nil
}

func (p *Preprocessor) scale(raw []float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = (v - p.stats[i].Median) / guardScale(p.stats[i].IQR)
	}
	return out
}
