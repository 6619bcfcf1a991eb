package rules

import (
	"errors"
	"fmt"

	"github.com/aatumaykin/nexrun/internal/jobs"
)

var (
	ErrNotFound         = errors.New("rule not found")
	ErrLeaseLost        = errors.New("rule lease lost")
	ErrAlreadyProcessed = errors.New("rule already processed")
)

// ValidationError rejects a rule before it is persisted.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// validateInput applies the checks a job would fail at materialization.
func validateInput(in jobs.Input) error {
	if err := in.Validate(); err != nil {
		return &ValidationError{Field: "input", Reason: err.Error(), Err: err}
	}
	return nil
}
