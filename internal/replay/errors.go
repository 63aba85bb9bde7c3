package replay

import (
	"errors"
	"fmt"
)

// ErrInvalidPosition is returned by Scrub for a position outside [0, 1].
var ErrInvalidPosition = errors.New("replay: scrub position must be within [0, 1]")

// TransitionError reports an operation that is not valid in the current mode.
type TransitionError struct {
	Op   string
	Mode Mode
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("replay: cannot %s while %s", e.Op, e.Mode)
}

// IsTransitionError returns true if err is, or wraps, a *TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
