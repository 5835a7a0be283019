package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for provider operations.
// Use errors.Is() to check for these errors in calling code; the typed
// errors below match their sentinel and carry the vendor context.
var (
	// ErrUnknownProvider indicates a provider id with no registered adapter.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMissingCredential indicates no credential was saved for the provider.
	ErrMissingCredential = errors.New("missing credential")

	// ErrAuth indicates a rejected or missing credential. Never retried automatically.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimited indicates vendor throttling.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable indicates a network failure or a 5xx response.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrUnrecoverable indicates a non-2xx response with no retry semantic.
	ErrUnrecoverable = errors.New("unrecoverable provider response")
)

// AuthError is returned for 401/403 responses.
type AuthError struct {
	Provider string
	Status   int
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, ErrAuth, e.Status, e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// RateLimitError is returned for 429 responses.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s): %s", e.Provider, ErrRateLimited, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, ErrRateLimited, e.Message)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// UnavailableError is returned for transport failures and 5xx responses.
// Status is zero when no response was received.
type UnavailableError struct {
	Provider string
	Status   int
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, ErrUnavailable, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// UnrecoverableError is returned for any other non-2xx response.
type UnrecoverableError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, ErrUnrecoverable, e.Status, e.Message)
}

func (e *UnrecoverableError) Is(target error) bool { return target == ErrUnrecoverable }
