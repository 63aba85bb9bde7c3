package history

import (
	"errors"
	"fmt"
)

// ErrEmptyHistory is returned when an operation needs at least one snapshot.
var ErrEmptyHistory = errors.New("history: empty")

// RangeError reports an index outside [0, Len-1]. It signals a cursor
// management bug in the caller.
type RangeError struct {
	Index int
	Len   int
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Len == 0 {
		return fmt.Sprintf("history: index %d out of range (history is empty)", e.Index)
	}
	return fmt.Sprintf("history: index %d out of range [0, %d]", e.Index, e.Len-1)
}

// IsRangeError returns true if err is, or wraps, a *RangeError.
func IsRangeError(err error) bool {
	var re *RangeError
	return errors.As(err, &re)
}
