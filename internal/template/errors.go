package template

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("template not found")
	ErrDuplicateName = errors.New("template name already exists")
	ErrConflict      = errors.New("template was modified concurrently")
)

// ValidationError reports a request field that failed a local check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// ParseError wraps malformed JSON pasted into an import or schema field.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }
