package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseIdle, PhaseAllocating, true},
		{PhaseAllocating, PhaseConnecting, true},
		{PhaseAllocating, PhaseEnded, true},
		{PhaseAllocating, PhaseConnected, false},
		{PhaseConnecting, PhaseConnected, true},
		{PhaseConnecting, PhaseEnding, true},
		{PhaseConnected, PhaseReconnecting, true},
		{PhaseReconnecting, PhaseConnected, true},
		{PhaseReconnecting, PhaseEnding, true},
		{PhaseConnected, PhaseEnded, false},
		{PhaseEnding, PhaseEnded, true},
		{PhaseEnded, PhaseAllocating, true},
		{PhaseEnded, PhaseConnected, false},
		{PhaseIdle, PhaseEnded, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPhaseNames(t *testing.T) {
	for p := PhaseIdle; p <= PhaseEnded; p++ {
		parsed, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePhase("Ringing")
	assert.Error(t, err)
	assert.Equal(t, "Unknown(42)", Phase(42).String())
}

func TestPhaseClassification(t *testing.T) {
	assert.True(t, PhaseIdle.IsTerminal())
	assert.True(t, PhaseEnded.IsTerminal())
	assert.False(t, PhaseEnding.IsTerminal())

	assert.True(t, PhaseConnecting.HoldsTransport())
	assert.True(t, PhaseReconnecting.HoldsTransport())
	assert.False(t, PhaseAllocating.HoldsTransport())
	assert.False(t, PhaseEnding.HoldsTransport())
}

func TestAgentStartErrorMessage(t *testing.T) {
	err := &AgentStartError{AgentID: "A", Reason: ReasonTransport, Err: ErrClosed}
	assert.Equal(t, "start call with A: transport: call manager closed", err.Error())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, err.IsSuperseded())
}
