// ABOUTME: Provider error taxonomy: unavailable (missing credential) vs failed call
// ABOUTME: Error carries the provider name and matches ErrProvider via errors.Is

package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means no provider could be called because its credential is absent.
	// It is detected before any network call is attempted.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrProvider means the remote call failed, timed out, or returned unusable output.
	ErrProvider = errors.New("provider error")

	errEmptyOutput = errors.New("empty output")
)

// Error is a failed provider call.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrProvider.
func (e *Error) Is(target error) bool {
	return target == ErrProvider
}
