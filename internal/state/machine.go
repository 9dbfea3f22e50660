// Package state implements the call lifecycle state machine. It is the
// authority every other component consults before mutating a call: the
// session controller translates both local operations and remote record
// updates into events and applies them here first.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/callkit/internal/models"
)

// ErrIllegalTransition is returned when an event is not legal in the
// current state. Callers log it and move on; it signals a benign race or
// a programming error, never a user-facing failure.
var ErrIllegalTransition = errors.New("illegal call state transition")

// Event is something that happened to a call, local or remote.
type Event string

const (
	EventInitiate       Event = "initiate"
	EventAnswer         Event = "answer"
	EventReject         Event = "reject"
	EventCancel         Event = "cancel"
	EventTimeout        Event = "timeout"
	EventHangUp         Event = "hang_up"
	EventPeerDisconnect Event = "peer_disconnect"
)

// transitions is the legal transition table. Anything absent is illegal.
var transitions = map[models.CallStatus]map[Event]models.CallStatus{
	models.CallStatusNew: {
		EventInitiate: models.CallStatusRinging,
	},
	models.CallStatusRinging: {
		EventAnswer:  models.CallStatusActive,
		EventReject:  models.CallStatusRejected,
		EventCancel:  models.CallStatusEnded,
		EventTimeout: models.CallStatusMissed,
	},
	models.CallStatusActive: {
		EventHangUp:         models.CallStatusEnded,
		EventPeerDisconnect: models.CallStatusEnded,
	},
}

// terminalTarget maps each terminal-producing event to the terminal status
// it converges on, for the concurrent-duplicate check in Apply.
var terminalTarget = map[Event]models.CallStatus{
	EventReject:         models.CallStatusRejected,
	EventCancel:         models.CallStatusEnded,
	EventTimeout:        models.CallStatusMissed,
	EventHangUp:         models.CallStatusEnded,
	EventPeerDisconnect: models.CallStatusEnded,
}

// Machine guards the lifecycle of a single call.
type Machine struct {
	mu      sync.Mutex
	current models.CallStatus
}

// New creates a machine starting at initial. Outbound calls start at
// CallStatusNew; inbound controllers adopt the status of the record they
// were created from.
func New(initial models.CallStatus) *Machine {
	return &Machine{current: initial}
}

// Current returns the current status.
func (m *Machine) Current() models.CallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Apply advances the machine by one event and returns the resulting
// status. Illegal events return ErrIllegalTransition and leave the state
// untouched, with one deliberate exception: an event whose terminal target
// equals the current terminal status is a successful no-op. Both parties
// hanging up at the same time must converge on ended, not on an error;
// the result is identical regardless of which side's write landed first.
func (m *Machine) Apply(ev Event) (models.CallStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next, ok := transitions[m.current][ev]; ok {
		m.current = next
		return next, nil
	}

	if m.current.Terminal() {
		if target, ok := terminalTarget[ev]; ok && target == m.current {
			return m.current, nil
		}
	}

	return m.current, fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, ev, m.current)
}
