// Package connectivity merges the network signal and socket reachability
// into the session's connection state.
package connectivity

import (
	"sync"
	"time"

	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/status"
	"go.uber.org/zap"
)

// Monitor drives a status.Machine from two inputs: whether the network is
// usable and what the socket is doing. While the network is down socket
// failures leave the state at Offline.
type Monitor struct {
	mu        sync.Mutex
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
	networkUp bool
	// exhausted is set between hitting the reconnect ceiling and the next
	// successful handshake.
	exhausted bool
}

// NewMonitor returns a monitor that assumes the network is up until told
// otherwise.
func NewMonitor(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		machine:   machine,
		bus:       b,
		logger:    logger,
		networkUp: true,
	}
}

// State returns the current connection state.
func (m *Monitor) State() status.State {
	return m.machine.Current()
}

// LastError returns the error attached to the current state, if any.
func (m *Monitor) LastError() string {
	return m.machine.LastError()
}

// NetworkUp reports the last network signal.
func (m *Monitor) NetworkUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.networkUp
}

// SetNetwork records the network signal. A change publishes
// network.changed; going down also moves the state to Offline unless the
// session is waiting for new credentials.
func (m *Monitor) SetNetwork(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.networkUp == up {
		return
	}
	m.networkUp = up
	m.exhausted = false
	m.logger.Info("network signal changed", zap.Bool("up", up))
	if !up && m.machine.Current() != status.AuthError {
		m.move(status.Offline, nil)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.NetworkChanged,
			Timestamp: time.Now(),
			Payload:   bus.NetworkPayload{Up: up},
		})
	}
}

// SocketConnecting records the start of a first connect attempt. Attempts
// made from Reconnecting or from the slow retry phase keep their state.
func (m *Monitor) SocketConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.networkUp {
		return
	}
	switch m.machine.Current() {
	case status.Offline:
		if m.exhausted {
			return
		}
		m.move(status.Connecting, nil)
	case status.AuthError:
		m.move(status.Connecting, nil)
	}
}

// SocketUp records a completed handshake.
func (m *Monitor) SocketUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted = false
	switch m.machine.Current() {
	case status.Offline, status.AuthError:
		m.move(status.Connecting, nil)
	}
	m.move(status.Online, nil)
}

// SocketLost records a failed handshake or a dropped connection.
func (m *Monitor) SocketLost(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.networkUp {
		m.move(status.Offline, cause)
		return
	}
	switch m.machine.Current() {
	case status.Online, status.Connecting:
		m.move(status.Reconnecting, cause)
	}
}

// ReconnectExhausted records that the reconnect ceiling was reached.
func (m *Monitor) ReconnectExhausted(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted = true
	m.move(status.Offline, cause)
}

// AuthRejected records a credential rejection that could not be recovered.
func (m *Monitor) AuthRejected(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted = false
	m.move(status.AuthError, cause)
}

// Disconnected records a deliberate close.
func (m *Monitor) Disconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted = false
	m.move(status.Offline, nil)
}

func (m *Monitor) move(to status.State, cause error) {
	from := m.machine.Current()
	if err := m.machine.TransitionWithError(to, cause); err != nil {
		m.logger.Warn("ignored connection state change",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

// Restart clears the reconnect ceiling ahead of a manual reconnect and
// records a fresh connect attempt.
func (m *Monitor) Restart() {
	m.mu.Lock()
	m.exhausted = false
	m.mu.Unlock()
	m.SocketConnecting()
}
