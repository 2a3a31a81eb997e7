package anomaly

import "errors"

var (
	// ErrNotTrained is returned when a record is assessed against a model that
	// never completed training.
	ErrNotTrained = errors.New("model has not been trained")

	// ErrEmptyCohort is returned when training is asked to fit zero records.
	ErrEmptyCohort = errors.New("training cohort is empty")

	// ErrInsufficientData is returned when the cohort is too small to grow
	// isolation trees.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrInvalidConfig wraps every engine configuration violation.
	ErrInvalidConfig = errors.New("invalid engine configuration")
)
