package core

import "github.com/pkg/errors"

// FieldError pins a validation error to a specific input field.
type FieldError struct {
	Field string
	Error string
}

// ValidationError reports bad user input. The API layer renders it as a
// 400 response, either as a field map or as a single message.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// shutdown signals that the application is in an unrecoverable state and
// should be terminated gracefully.
type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string { return s.message }

// IsShutdown checks whether err is (or wraps) a shutdown error.
func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
