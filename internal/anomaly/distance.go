package anomaly

import (
	"math"

	"github.com/rewired-gh/cohortguard/internal/models"
)

// DefaultZThreshold is the z-score above which a feature is considered
// anomalous.
const DefaultZThreshold = 2.0

// DistanceStats holds the raw mean and sample standard deviation of a feature.
type DistanceStats struct {
	Mean   float64
	StdDev float64
}

// DistanceDetector flags records whose value for any feature lies more than
// threshold standard deviations from the training mean.
type DistanceDetector struct {
	stats     []DistanceStats // schema order
	threshold float64
}

// FitDistanceDetector computes per-feature mean and standard deviation from
// imputed raw training rows in schema order.
func FitDistanceDetector(rows [][]float64, threshold float64) *DistanceDetector {
	if threshold <= 0 {
		threshold = DefaultZThreshold
	}
	ds := make([]DistanceStats, len(models.FeatureNames))
	for j := range models.FeatureNames {
		mean, sd := meanAndStdDev(column(rows, j))
		ds[j] = DistanceStats{Mean: mean, StdDev: sd}
	}
	return &DistanceDetector{stats: ds, threshold: threshold}
}

// Threshold returns the z-score cutoff.
func (d *DistanceDetector) Threshold() float64 {
	return d.threshold
}

// Stats returns the frozen statistics for a feature.
func (d *DistanceDetector) Stats(name string) (DistanceStats, bool) {
	for i, n := range models.FeatureNames {
		if n == name {
			return d.stats[i], true
		}
	}
	return DistanceStats{}, false
}

// Evaluate returns whether any feature's z-score exceeds the threshold, and
// the z-score of every feature regardless of the verdict.
func (d *DistanceDetector) Evaluate(raw []float64) (bool, map[string]float64) {
	anomalous := false
	z := make(map[string]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		st := d.stats[i]
		score := math.Abs(raw[i]-st.Mean) / guardScale(st.StdDev)
		z[name] = score
		if score > d.threshold {
			anomalous = true
		}
	}
	return anomalous, z
}
