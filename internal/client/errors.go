package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTransient marks a failure that is expected to succeed on retry.
var ErrTransient = errors.New("transient provider failure")

// ErrObjectNotFound is returned by object stores for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// APIError is a non-2xx reply from an HTTP provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient classifies provider errors for retry decisions.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
