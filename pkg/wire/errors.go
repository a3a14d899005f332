package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is an error with an HTTP-like status code. Handlers return it
// (or wrap it) to control the code of the error envelope sent to the peer, and
// request helpers return it when the peer answered with an error envelope.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Errorf builds a *StatusError.
func Errorf(code int, format string, args ...any) error {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusCode extracts the status code carried by err, or 0 when err does not
// wrap a *StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// ToPayload converts a handler error into the payload of an error envelope.
// Errors without a status become 500.
func ToPayload(err error) *ErrorPayload {
	var se *StatusError
	if errors.As(err, &se) {
		return &ErrorPayload{Code: se.Code, Message: se.Message}
	}
	return &ErrorPayload{Code: http.StatusInternalServerError, Message: err.Error()}
}
