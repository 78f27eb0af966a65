package contact

import (
	"errors"
	"fmt"
)

var (
	// ErrSchema marks input that does not carry the required columns or values.
	ErrSchema = errors.New("invalid telemetry schema")

	// ErrNoInterval is returned when no positive gap exists between samples
	// of any partition, so the sampling cadence cannot be determined.
	ErrNoInterval = errors.New("cannot determine nominal sampling interval")

	// ErrUnsorted is returned when samples are not ordered by partition and time.
	ErrUnsorted = errors.New("samples are not sorted by partition and time")

	// ErrUnsupportedFormat is returned for unknown plan format selectors.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// SchemaError describes a missing column or an unusable value.
type SchemaError struct {
	Column string
	Row    int
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("%v: column %q row %d: %s", ErrSchema, e.Column, e.Row, e.Reason)
	}
	return fmt.Sprintf("%v: column %q: %s", ErrSchema, e.Column, e.Reason)
}

func (e *SchemaError) Unwrap() error {
	return ErrSchema
}
