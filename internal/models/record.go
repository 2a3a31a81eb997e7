// Package models defines the core domain entities for cohortguard.
// These models represent patient measurement records, the cohorts they form,
// and the assessment results produced by the anomaly engine.
//
// Terminology:
//   - Record: one patient row with the nine fixed measurement features.
//   - Cohort: an ordered set of records, typically the baseline used for training.
//   - Assessment: a result for one record, stamped for storage and alerting.
package models

import (
	"fmt"
	"math"
)

// PatientColumn is the canonical name of the identifier column.
const PatientColumn = "patientnumber"

// Feature names in schema order. The schema is fixed; every stage of the
// engine works on exactly these nine values.
const (
	FeatureLength     = "length"
	FeatureWeightPre  = "weightpre"
	FeatureWeightPost = "weightpost"
	FeatureBMIPre     = "bmipre"
	FeatureBMIPost    = "bmipost"
	FeatureWaistPre   = "waistpre"
	FeatureWaistPost  = "waistpost"
	FeaturePulsePre   = "pulsepre"
	FeaturePulsePost  = "pulsepost"
)

// FeatureNames lists the measurement features in schema order.
var FeatureNames = []string{
	FeatureLength,
	FeatureWeightPre,
	FeatureWeightPost,
	FeatureBMIPre,
	FeatureBMIPost,
	FeatureWaistPre,
	FeatureWaistPost,
	FeaturePulsePre,
	FeaturePulsePost,
}

// RequiredColumns returns the identifier column followed by the features.
func RequiredColumns() []string {
	cols := make([]string, 0, len(FeatureNames)+1)
	cols = append(cols, PatientColumn)
	return append(cols, FeatureNames...)
}

// Record is a single patient measurement row.
//
// A feature absent from Values means the column itself is missing and the
// record fails schema validation. A feature present with a NaN value means the
// cell was empty or non-numeric; the engine imputes it.
type Record struct {
	PatientID string             `json:"patient"`
	Values    map[string]float64 `json:"values"`
}

// MissingFeatures returns the schema features absent from the record, in
// schema order.
func (r Record) MissingFeatures() []string {
	var missing []string
	for _, name := range FeatureNames {
		if _, ok := r.Values[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Validate reports a SchemaError listing every missing feature, or
// ErrNonFinite for an infinite value.
func (r Record) Validate() error {
	if missing := r.MissingFeatures(); len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}
	for _, name := range FeatureNames {
		if v := r.Values[name]; math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s of patient %q is %v", ErrNonFinite, name, r.PatientID, v)
		}
	}
	return nil
}

// Value returns the numeric value for a feature. ok is false when the feature
// is absent or holds a missing cell.
func (r Record) Value(name string) (v float64, ok bool) {
	v, present := r.Values[name]
	if !present || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Cohort is an ordered collection of records.
type Cohort []Record

// MissingFeatures returns every schema feature that at least one record of the
// cohort lacks, in schema order.
func (c Cohort) MissingFeatures() []string {
	absent := make(map[string]bool)
	for _, rec := range c {
		for _, name := range rec.MissingFeatures() {
			absent[name] = true
		}
	}
	var missing []string
	for _, name := range FeatureNames {
		if absent[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// Validate reports a SchemaError listing every missing feature, or the first
// record holding an infinite value.
func (c Cohort) Validate() error {
	if missing := c.MissingFeatures(); len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}
	for _, rec := range c {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Column returns the numeric values of one feature, skipping missing cells.
func (c Cohort) Column(name string) []float64 {
	values := make([]float64, 0, len(c))
	for _, rec := range c {
		if v, ok := rec.Value(name); ok {
			values = append(values, v)
		}
	}
	return values
}
