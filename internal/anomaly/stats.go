package anomaly

import (
	"math"
	"slices"

	"github.com/montanaflynn/stats"
)

// scaleEpsilon replaces a zero IQR or standard deviation so that scaling and
// z-scores stay defined for constant features.
const scaleEpsilon = 1e-8

// guardScale returns s, or scaleEpsilon when s is zero.
func guardScale(s float64) float64 {
	if s == 0 {
		return scaleEpsilon
	}
	return s
}

// median returns the median of values, 0 for an empty slice.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m, err := stats.Median(values)
	if err != nil {
		return 0
	}
	return m
}

// interquartileRange returns the 75th minus the 25th percentile, 0 when fewer
// than two values exist.
func interquartileRange(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return percentile(sorted, 0.75) - percentile(sorted, 0.25)
}

// percentile interpolates linearly between the closest ranks of sorted, so
// p=0.25 over [1 2 3 4] is 1.75. sorted must be non-empty.
func percentile(sorted []float64, p float64) float64 {
	h := float64(len(sorted)-1) * p
	lo := int(math.Floor(h))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// meanAndStdDev returns the mean and the sample (n-1) standard deviation.
// The deviation is 0 when fewer than two values exist.
func meanAndStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return 0, 0
	}
	if len(values) < 2 {
		return mean, 0
	}
	sd, err := stats.StandardDeviationSample(values)
	if err != nil || math.IsNaN(sd) {
		return mean, 0
	}
	return mean, sd
}

// column extracts feature j from row-major data.
func column(rows [][]float64, j int) []float64 {
	col := make([]float64, len(rows))
	for i, row := range rows {
		col[i] = row[j]
	}
	return col
}
