package hub

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotFound     = errors.New("file not found on hub")
	ErrUnauthorized = errors.New("hub rejected credentials (set HF_TOKEN for gated or private repos)")
)

// StatusError reports an unexpected HTTP status from the hub.
type StatusError struct {
	URL  string
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("hub: GET %s: unexpected status %d", e.URL, e.Code)
}
