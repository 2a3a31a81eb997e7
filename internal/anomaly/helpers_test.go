package anomaly

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/cohortguard/internal/models"
)

// constantFeatures are exactly representable so their mean and deviation are
// exact.
var constantFeatures = map[string]float64{
	models.FeatureLength:     172,
	models.FeatureWeightPost: 95,
	models.FeatureBMIPre:     30,
	models.FeatureBMIPost:    29,
	models.FeatureWaistPre:   100,
	models.FeatureWaistPost:  96,
	models.FeaturePulsePre:   72,
	models.FeaturePulsePost:  68,
}

func record(id string, values map[string]float64) models.Record {
	v := make(map[string]float64, len(values))
	for k, x := range values {
		v[k] = x
	}
	return models.Record{PatientID: id, Values: v}
}

// weightOnlyCohort spreads weightpre evenly over [50, 150] and holds every
// other feature constant.
func weightOnlyCohort(n int) models.Cohort {
	cohort := make(models.Cohort, n)
	for i := range cohort {
		values := make(map[string]float64, len(models.FeatureNames))
		for k, x := range constantFeatures {
			values[k] = x
		}
		values[models.FeatureWeightPre] = 50 + 100*float64(i)/float64(n-1)
		cohort[i] = record(fmt.Sprintf("p-%03d", i), values)
	}
	return cohort
}

// syntheticCohort draws n plausible patients from a fixed seed.
func syntheticCohort(n int, seed int64) models.Cohort {
	rng := rand.New(rand.NewSource(seed))
	cohort := make(models.Cohort, n)
	for i := range cohort {
		length := 155 + rng.Float64()*35
		h := length / 100
		wpre := 50 + rng.Float64()*100
		wpost := wpre - 1 - rng.Float64()*4
		waistPre := 55 + 0.45*wpre + rng.NormFloat64()*3
		pulsePre := 58 + rng.Float64()*30
		cohort[i] = record(fmt.Sprintf("p-%03d", i), map[string]float64{
			models.FeatureLength:     length,
			models.FeatureWeightPre:  wpre,
			models.FeatureWeightPost: wpost,
			models.FeatureBMIPre:     wpre / (h * h),
			models.FeatureBMIPost:    wpost / (h * h),
			models.FeatureWaistPre:   waistPre,
			models.FeatureWaistPost:  waistPre - 1 - rng.Float64()*3,
			models.FeaturePulsePre:   pulsePre,
			models.FeaturePulsePost:  pulsePre - rng.Float64()*8,
		})
	}
	return cohort
}

// medianRecord returns a record holding the cohort median of every feature.
func medianRecord(t *testing.T, cohort models.Cohort, id string) models.Record {
	t.Helper()
	values := make(map[string]float64, len(models.FeatureNames))
	for _, name := range models.FeatureNames {
		values[name] = median(cohort.Column(name))
	}
	return record(id, values)
}

// scaledMatrix fits a preprocessor and returns the cohort in scaled form.
func scaledMatrix(t *testing.T, cohort models.Cohort) [][]float64 {
	t.Helper()
	pre, err := FitPreprocessor(cohort)
	require.NoError(t, err)
	out := make([][]float64, len(cohort))
	for i, rec := range cohort {
		out[i], err = pre.Transform(rec)
		require.NoError(t, err)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumTrees = 200
	cfg.Contamination = 0.1
	cfg.Workers = 4
	return cfg
}
