package call

import "fmt"

// Phase is the lifecycle phase of a call session.
type Phase int

const (
	// PhaseIdle means no call has been requested yet
	PhaseIdle Phase = iota
	// PhaseAllocating is while the backend reserves a room
	PhaseAllocating
	// PhaseConnecting is while the media transport joins the room
	PhaseConnecting
	// PhaseConnected is a live call
	PhaseConnected
	// PhaseReconnecting is a live call whose media path dropped temporarily
	PhaseReconnecting
	// PhaseEnding is while the transport is torn down and the backend told
	PhaseEnding
	// PhaseEnded is the final phase of a session
	PhaseEnded
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseAllocating:
		return "Allocating"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseReconnecting:
		return "Reconnecting"
	case PhaseEnding:
		return "Ending"
	case PhaseEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// ParsePhase converts a phase name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	for p := PhaseIdle; p <= PhaseEnded; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PhaseIdle, fmt.Errorf("unknown phase %q", s)
}

// validTransitions defines which phase transitions are allowed
var validTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseAllocating},
	PhaseAllocating:   {PhaseConnecting, PhaseEnded},
	PhaseConnecting:   {PhaseConnected, PhaseEnding},
	PhaseConnected:    {PhaseReconnecting, PhaseEnding},
	PhaseReconnecting: {PhaseConnected, PhaseEnding},
	PhaseEnding:       {PhaseEnded},
	PhaseEnded:        {PhaseAllocating},
}

// CanTransitionTo checks if a transition from current phase to next is valid
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range validTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no call is in progress in this phase
func (p Phase) IsTerminal() bool {
	return p == PhaseIdle || p == PhaseEnded
}

// HoldsTransport returns true while the session owns a transport handle
func (p Phase) HoldsTransport() bool {
	return p == PhaseConnecting || p == PhaseConnected || p == PhaseReconnecting
}
