package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrExtension is returned when a path does not end in .mds.
	ErrExtension = errors.New("archive: file must have the " + Extension + " extension")

	// ErrNoHead is returned by Save when head is the zero Snapshot.
	ErrNoHead = errors.New("archive: head snapshot is required")
)

// FormatErrorCode categorizes format errors.
type FormatErrorCode string

const (
	// ErrCodeBadArchive indicates the container is not a readable zip.
	ErrCodeBadArchive FormatErrorCode = "BAD_ARCHIVE"

	// ErrCodeMissingEntry indicates one of the three required entries is absent.
	ErrCodeMissingEntry FormatErrorCode = "MISSING_ENTRY"

	// ErrCodeBadVersion indicates VERSION is not a recognizable version string.
	ErrCodeBadVersion FormatErrorCode = "BAD_VERSION"

	// ErrCodeIncompatibleVersion indicates VERSION is valid but rejected by policy.
	ErrCodeIncompatibleVersion FormatErrorCode = "INCOMPATIBLE_VERSION"

	// ErrCodeBadHead indicates head.json is not a valid snapshot.
	ErrCodeBadHead FormatErrorCode = "BAD_HEAD"

	// ErrCodeEntryTooLarge indicates an entry exceeds the configured size limit.
	ErrCodeEntryTooLarge FormatErrorCode = "ENTRY_TOO_LARGE"
)

// FormatError reports a container that cannot be loaded. No partial document
// is produced alongside it.
type FormatError struct {
	Code    FormatErrorCode
	Entry   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entry != "" {
		msg = fmt.Sprintf("%s: %s (entry=%s)", e.Code, e.Message, e.Entry)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *FormatError) Unwrap() error {
	return e.Err
}

// IsFormatError returns true if err is, or wraps, a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// FormatErrorCodeOf returns the code of a wrapped *FormatError, or "".
func FormatErrorCodeOf(err error) FormatErrorCode {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
