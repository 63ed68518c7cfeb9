package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrMissingCredentials indicates the allocation reply carried no join
	// address or no join token.
	ErrMissingCredentials = errors.New("join address or token missing in allocation response")

	// ErrUnexpectedStatus indicates a non-2xx reply from the backend.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// AllocationError describes a failed session allocation.
type AllocationError struct {
	// AgentID is the agent the allocation was requested for.
	AgentID string

	// StatusCode is the HTTP status of the reply (0 if no reply arrived).
	StatusCode int

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *AllocationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("allocate session for agent %s: HTTP %d: %v", e.AgentID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("allocate session for agent %s: %v", e.AgentID, e.Cause)
}

// Unwrap returns the underlying error.
func (e *AllocationError) Unwrap() error {
	return e.Cause
}

// FinalizeError describes a failed session finalize. Callers log it and
// carry on.
type FinalizeError struct {
	CallID     string
	SessionID  string
	StatusCode int
	Cause      error
}

// Error returns the error message.
func (e *FinalizeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("finalize call %s (session %s): HTTP %d: %v", e.CallID, e.SessionID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("finalize call %s (session %s): %v", e.CallID, e.SessionID, e.Cause)
}

// Unwrap returns the underlying error.
func (e *FinalizeError) Unwrap() error {
	return e.Cause
}
