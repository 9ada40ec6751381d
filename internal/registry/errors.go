package registry

import (
	"fmt"
	"strings"
)

// ConnectionError indicates the registry was unreachable or the transport
// failed before a response was received. Callers may retry.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("registry connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ValidationError carries the registry's structured per-field validation
// errors. Retrying does not help; callers must surface the details.
type ValidationError struct {
	Message string
	Details map[string][]string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Details))
	for field, msgs := range e.Details {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(msgs, "; ")))
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

// ResponseError indicates a non-validation error response from the registry
// (auth failure, rate limiting on the registry side, server errors).
type ResponseError struct {
	Status  int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("registry returned status %d: %s", e.Status, e.Message)
}
