package models

import (
	"errors"
	"fmt"
)

// Error classes shared by the server, the HTTP client and the client-side state.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrTransport      = errors.New("transport failure")
	ErrApplication    = errors.New("application error")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap makes errors.Is(err, ErrInvalidRequest) hold.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// NotFoundError reports an unknown node id.
func NotFoundError(id string) error {
	return fmt.Errorf("node %q: %w", id, ErrNotFound)
}
