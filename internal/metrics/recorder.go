// Package metrics records call lifecycle metrics.
package metrics

import "time"

// Recorder defines the interface for recording call lifecycle metrics.
type Recorder interface {
	// IncCallStarted counts an accepted start request.
	IncCallStarted(agentID string)

	// IncCallFailed counts a start attempt that did not produce a call,
	// labelled with the failure reason code.
	IncCallFailed(reason string)

	// ObserveAllocate records a backend allocation round-trip.
	ObserveAllocate(success bool, duration time.Duration)

	// ObserveConnect records the time from allocation to a live connection.
	ObserveConnect(duration time.Duration)

	// IncReconnect counts reconnect attempts reported by the transport.
	IncReconnect()

	// ObserveCallEnded records a finished call and how long it was live.
	ObserveCallEnded(reason string, talk time.Duration)

	// IncFinalize counts finalize calls by outcome.
	IncFinalize(success bool)

	// SetActive reports whether a media connection is currently held.
	SetActive(active bool)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncCallStarted(_ string)                    {}
func (n *NoopRecorder) IncCallFailed(_ string)                     {}
func (n *NoopRecorder) ObserveAllocate(_ bool, _ time.Duration)    {}
func (n *NoopRecorder) ObserveConnect(_ time.Duration)             {}
func (n *NoopRecorder) IncReconnect()                              {}
func (n *NoopRecorder) ObserveCallEnded(_ string, _ time.Duration) {}
func (n *NoopRecorder) IncFinalize(_ bool)                         {}
func (n *NoopRecorder) SetActive(_ bool)                           {}
