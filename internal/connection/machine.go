// Package connection keeps one room subscription alive: it tracks the
// connection state, falls back to polling while the push channel is down
// and reconnects with exponential backoff.
package connection

import (
	"errors"
	"fmt"
)

// State is the connection state exposed to observers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// EventType identifies a Machine transition.
type EventType int

const (
	// EventConnect starts connecting to a room.
	EventConnect EventType = iota
	// EventSubscribed confirms the subscription is live.
	EventSubscribed
	// EventFailed reports a subscription error.
	EventFailed
	// EventCompleted reports that the server ended the subscription.
	EventCompleted
	// EventRetry starts a scheduled reconnect.
	EventRetry
	// EventTeardown stops everything.
	EventTeardown
)

func (e EventType) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventSubscribed:
		return "subscribed"
	case EventFailed:
		return "failed"
	case EventCompleted:
		return "completed"
	case EventRetry:
		return "retry"
	case EventTeardown:
		return "teardown"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Event is an input to Machine.Apply. RoomID is only read by EventConnect.
type Event struct {
	Type   EventType
	RoomID string
}

// ErrInvalidTransition is returned when an event does not apply to the
// current state.
var ErrInvalidTransition = errors.New("connection: invalid transition")

// Machine holds the connection state for one room. Apply is its only
// mutator.
type Machine struct {
	State    State
	RoomID   string
	Attempts int
}

// NewMachine returns a disconnected machine.
func NewMachine() Machine {
	return Machine{State: StateDisconnected}
}

// Apply performs the transition for e. On error the machine is unchanged.
//
//	disconnected|error --connect-->   connecting
//	connecting         --subscribed--> connected (attempts reset)
//	connecting|connected --failed-->   error
//	connecting|connected --completed--> disconnected
//	disconnected|error --retry-->     connecting (attempts+1)
//	any                --teardown-->  disconnected (room and attempts cleared)
func (m *Machine) Apply(e Event) error {
	next := *m
	switch e.Type {
	case EventConnect:
		if m.State != StateDisconnected && m.State != StateError {
			return m.invalid(e)
		}
		if e.RoomID == "" {
			return fmt.Errorf("%w: connect without room", ErrInvalidTransition)
		}
		if e.RoomID != m.RoomID {
			next.Attempts = 0
		}
		next.State = StateConnecting
		next.RoomID = e.RoomID
	case EventSubscribed:
		if m.State != StateConnecting {
			return m.invalid(e)
		}
		next.State = StateConnected
		next.Attempts = 0
	case EventFailed:
		if m.State != StateConnecting && m.State != StateConnected {
			return m.invalid(e)
		}
		next.State = StateError
	case EventCompleted:
		if m.State != StateConnecting && m.State != StateConnected {
			return m.invalid(e)
		}
		next.State = StateDisconnected
	case EventRetry:
		if (m.State != StateDisconnected && m.State != StateError) || m.RoomID == "" {
			return m.invalid(e)
		}
		next.State = StateConnecting
		next.Attempts++
	case EventTeardown:
		next = NewMachine()
	default:
		return m.invalid(e)
	}
	*m = next
	return nil
}

func (m *Machine) invalid(e Event) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, e.Type, m.State)
}
