package deltarule

import (
	"errors"
	"fmt"
)

var (
	// ErrHeadFirstDeprecated reports use of the removed head-first tensor
	// layout. The flag is permanently fatal: the operation never executes
	// with it set, regardless of the other arguments.
	ErrHeadFirstDeprecated = errors.New("head_first layout is deprecated and no longer executes; pass sequence-first (B, T, H, ...) tensors")

	// ErrBackwardUnsupported reports that the backward pass of this operator
	// is not implemented yet. It is distinct from a validation failure so
	// callers can tell "not available" from "bad input".
	ErrBackwardUnsupported = errors.New("backward pass is not implemented")
)

// ValidationError reports a shape, dtype or bound violation detected before
// any kernel work starts. No output buffer is touched once one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
