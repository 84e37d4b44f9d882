package protocol

import (
	"errors"
	"fmt"
)

// StatusError reports a response whose status was not "ok", or an HTTP
// failure before a response body could be read.
type StatusError struct {
	// Status is the server status string, or "http <code>" for transport
	// level failures.
	Status string

	// Message is the server-provided error text, if any.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server status %q: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server status %q", e.Status)
}

// IsStatusError returns true if err is or wraps a StatusError.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
