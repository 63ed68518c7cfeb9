package call

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrStartInProgress indicates a start for the same agent is already
	// allocating or connecting.
	ErrStartInProgress = errors.New("call start already in progress")

	// ErrSuperseded indicates a later StartCall or EndCall replaced this
	// request before it finished.
	ErrSuperseded = errors.New("call request superseded")

	// ErrClosed indicates the manager was closed.
	ErrClosed = errors.New("call manager closed")

	// ErrEmptyAgentID indicates StartCall was called without an agent.
	ErrEmptyAgentID = errors.New("agent id is required")
)

// Reason classifies why a call could not be started.
type Reason string

const (
	ReasonAllocation Reason = "allocation"
	ReasonTransport  Reason = "transport"
	ReasonSuperseded Reason = "superseded"
	ReasonCancelled  Reason = "cancelled"
)

// AgentStartError is returned by StartCall when no call was established.
// The session it created, if any, is already Ended.
type AgentStartError struct {
	AgentID string
	Reason  Reason
	Err     error
}

// Error returns the error message.
func (e *AgentStartError) Error() string {
	return fmt.Sprintf("start call with %s: %s: %v", e.AgentID, e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *AgentStartError) Unwrap() error {
	return e.Err
}

// IsSuperseded returns true if a later request replaced this one.
func (e *AgentStartError) IsSuperseded() bool {
	return e.Reason == ReasonSuperseded
}
