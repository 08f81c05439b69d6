package shield

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("invalid input")
	ErrQuotaExceeded = errors.New("shield quota exceeded")
	ErrPersistence   = errors.New("shield storage failed")
	ErrDerivation    = errors.New("bad shield record")
	ErrDelivery      = errors.New("delivery failed")
)

// ValidationError reports the offending field. errors.Is(err, ErrValidation)
// holds for every ValidationError.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, value string) error {
	return &ValidationError{Field: field, Value: value}
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
