package mutationq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when no operation has the given id.
	ErrNotFound = errors.New("mutation not found")

	// ErrDestroyed is returned by Enqueue after the manager has been destroyed.
	ErrDestroyed = errors.New("mutation queue destroyed")
)

// ValidationError reports a structurally invalid mutation. It is never
// retried: the operation is rejected at enqueue or marked failed at dispatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid mutation: " + e.Reason
	}
	return fmt.Sprintf("invalid mutation %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
