package events

import "fmt"

// Subject naming conventions.
//
// Hierarchy:
//   agentline.calls.<generation>.<event_suffix>  - Per-call events
//
// Wildcard subscriptions:
//   agentline.calls.>                            - All call events
//   agentline.calls.*.ended                      - All call.ended events

const (
	// SubjectPrefix is the root of all agentline subjects
	SubjectPrefix = "agentline"

	SubjectCalls            = SubjectPrefix + ".calls"
	SubjectCallRequested    = "requested"
	SubjectCallAllocated    = "allocated"
	SubjectCallConnected    = "connected"
	SubjectCallReconnecting = "reconnecting"
	SubjectCallReconnected  = "reconnected"
	SubjectCallFailed       = "failed"
	SubjectCallEnded        = "ended"
)

// CallSubject builds a subject for one call event.
// Example: CallSubject(7, "ended") => "agentline.calls.7.ended"
func CallSubject(generation uint64, eventSuffix string) string {
	return fmt.Sprintf("%s.%d.%s", SubjectCalls, generation, eventSuffix)
}

var (
	// PatternAllCalls matches all call events
	PatternAllCalls = SubjectCalls + ".>"

	// PatternCallEnded matches all call.ended events
	PatternCallEnded = SubjectCalls + ".*.ended"
)

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case CallRequested:
		return SubjectCallRequested
	case CallAllocated:
		return SubjectCallAllocated
	case CallConnected:
		return SubjectCallConnected
	case CallReconnecting:
		return SubjectCallReconnecting
	case CallReconnected:
		return SubjectCallReconnected
	case CallFailed:
		return SubjectCallFailed
	case CallEnded:
		return SubjectCallEnded
	default:
		return "unknown"
	}
}
