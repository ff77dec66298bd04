package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatq/internal/bus"
)

// State is the connection state of a session.
type State string

const (
	Online       State = "ONLINE"
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Reconnecting State = "RECONNECTING"
	AuthError    State = "AUTH_ERROR"
)

// validTransitions defines allowed state transitions. Every state may move
// to AuthError when the server rejects credentials.
var validTransitions = map[State][]State{
	Offline:      {Connecting, AuthError},
	Connecting:   {Online, Reconnecting, Offline, AuthError},
	Online:       {Offline, Reconnecting, AuthError},
	Reconnecting: {Online, Offline, AuthError},
	AuthError:    {Connecting, Offline},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	lastErr string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Offline state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastError returns the error that accompanied the latest transition, if any.
func (m *Machine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Transition attempts to move to a new state. Moving to the current state is
// a no-op and publishes nothing. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithError(to, nil)
}

// TransitionWithError is Transition carrying the error that caused it, so
// observers can tell a plain Offline from Offline-with-error.
func (m *Machine) TransitionWithError(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.lastErr = ""
	if cause != nil {
		m.lastErr = cause.Error()
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.StateChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				Previous: from,
				Current:  to,
				Err:      m.lastErr,
			},
		})
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	Previous State
	Current  State
	Err      string
}
