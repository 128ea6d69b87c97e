package osu

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the API reports that an account does not
	// exist (deleted or restricted).
	ErrNotFound = errors.New("osu: not found")

	// ErrCredential is returned when the OAuth token could not be obtained.
	ErrCredential = errors.New("osu: credential refresh failed")
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("osu API error: status %d, body: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
