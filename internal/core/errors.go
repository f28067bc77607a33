// Package core defines the fundamental types and errors for Neura.
package core

import (
	"errors"
	"fmt"
)

// Core errors that can occur across the pipeline. None of them is fatal:
// each one degrades to "skip this cycle".
var (
	// Sampling errors
	ErrPermissionDenied = errors.New("platform permission denied")
	ErrNoSignal         = errors.New("no signal available")
	ErrModelUnavailable = errors.New("wakeword model unavailable")

	// Credential errors
	ErrStaleCredentials = errors.New("device id or auth token missing")

	// Dispatch errors
	ErrNetworkFailure    = errors.New("network failure")
	ErrMalformedResponse = errors.New("malformed backend response")
	ErrRateLimited       = errors.New("dispatch rate limited")

	// Storage errors
	ErrRecordNotFound = errors.New("record not found")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
)

// DispatchError carries the endpoint a failed backend call was aimed at.
type DispatchError struct {
	Endpoint string
	Kind     error // one of the sentinels above
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Endpoint, e.Kind)
}

// Is matches the sentinel kind so errors.Is(err, ErrNetworkFailure) works.
func (e *DispatchError) Is(target error) bool {
	return e.Kind == target
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
