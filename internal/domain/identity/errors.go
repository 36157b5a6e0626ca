package identity

import (
	"errors"
	"fmt"
)

// NormalizationError reports an identifier that cannot be canonicalized.
// Callers skip the identifier, never the record it came from.
type NormalizationError struct {
	Kind   Kind
	Input  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Input, e.Reason)
}

// IsNormalizationError reports whether err is a NormalizationError.
func IsNormalizationError(err error) bool {
	var ne *NormalizationError
	return errors.As(err, &ne)
}
