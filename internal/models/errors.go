package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNonFinite is returned for an infinite measurement or result value.
// Missing cells are NaN and are not affected.
var ErrNonFinite = errors.New("value is not finite")

// SchemaError reports required features missing from a cohort, a record or
// an ingested table. Missing lists every absent name, not just the first.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing required features: %s", strings.Join(e.Missing, ", "))
}
