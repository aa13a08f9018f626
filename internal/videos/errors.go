package videos

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the video or segment does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the video is in a state that does not allow the operation (e.g. a split is running).
	ErrConflict = errors.New("conflict")
	// ErrUpstreamFetch means the primary asset could not be retrieved from the object store.
	ErrUpstreamFetch = errors.New("upstream fetch failed")
	// ErrExtraction means the extractor failed or produced no output.
	ErrExtraction = errors.New("extraction failed")
	// ErrStorage means an object could not be written to the object store.
	ErrStorage = errors.New("storage write failed")
)

// ValidationError reports malformed or missing input. It is always returned before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
