package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/callkit/internal/models"
)

func TestApplyLegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  models.CallStatus
		event Event
		want  models.CallStatus
	}{
		{"initiate", models.CallStatusNew, EventInitiate, models.CallStatusRinging},
		{"answer", models.CallStatusRinging, EventAnswer, models.CallStatusActive},
		{"reject", models.CallStatusRinging, EventReject, models.CallStatusRejected},
		{"cancel", models.CallStatusRinging, EventCancel, models.CallStatusEnded},
		{"timeout", models.CallStatusRinging, EventTimeout, models.CallStatusMissed},
		{"hang up", models.CallStatusActive, EventHangUp, models.CallStatusEnded},
		{"peer disconnect", models.CallStatusActive, EventPeerDisconnect, models.CallStatusEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.from)
			got, err := m.Apply(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, m.Current())
		})
	}
}

func TestApplyIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  models.CallStatus
		event Event
	}{
		{"answer before ringing", models.CallStatusNew, EventAnswer},
		{"hang up while ringing", models.CallStatusRinging, EventHangUp},
		{"answer twice", models.CallStatusActive, EventAnswer},
		{"reject active call", models.CallStatusActive, EventReject},
		{"answer after rejected", models.CallStatusRejected, EventAnswer},
		{"initiate after ended", models.CallStatusEnded, EventInitiate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.from)
			got, err := m.Apply(tt.event)
			require.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, tt.from, got, "state must not move on an illegal event")
		})
	}
}

func TestApplyConvergentTerminalNoOp(t *testing.T) {
	m := New(models.CallStatusActive)
	_, err := m.Apply(EventHangUp)
	require.NoError(t, err)

	// The peer's hang-up arrives after we already ended locally. Both
	// events target ended, so the duplicate succeeds without moving.
	got, err := m.Apply(EventHangUp)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, got)

	got, err = m.Apply(EventPeerDisconnect)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, got)
}

func TestApplyConflictingTerminalRejected(t *testing.T) {
	m := New(models.CallStatusRinging)
	_, err := m.Apply(EventReject)
	require.NoError(t, err)

	// A different terminal target is not convergent.
	_, err = m.Apply(EventTimeout)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, models.CallStatusRejected, m.Current())
}
