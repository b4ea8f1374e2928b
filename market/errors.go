package market

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when the backend answers 404
	ErrNotFound = errors.New("market: not found")
	// ErrUnauthorized is returned for 401 and 403 answers
	ErrUnauthorized = errors.New("market: unauthorized")
	// ErrInvalidInput is returned before any request is sent
	ErrInvalidInput = errors.New("market: invalid input")
)

// APIError is a non-2xx answer from the backend
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Body)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// Retryable reports whether repeating the request may succeed
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
