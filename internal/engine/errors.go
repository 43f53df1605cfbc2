package engine

import "fmt"

// ValidationError reports input the engine refuses to act on.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

// ConflictError reports a mutation that collides with existing state.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return e.Reason
}
