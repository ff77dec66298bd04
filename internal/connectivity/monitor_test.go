package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMonitor(t *testing.T) (*Monitor, *bus.Bus) {
	t.Helper()
	b := bus.New(zap.NewNop())
	return NewMonitor(status.NewMachine(b), b, zap.NewNop()), b
}

func TestMonitorHappyPath(t *testing.T) {
	m, _ := newMonitor(t)
	assert.Equal(t, status.Offline, m.State())

	m.SocketConnecting()
	assert.Equal(t, status.Connecting, m.State())
	m.SocketUp()
	assert.Equal(t, status.Online, m.State())

	m.SocketLost(errors.New("heartbeat timeout"))
	assert.Equal(t, status.Reconnecting, m.State())
	assert.Equal(t, "heartbeat timeout", m.LastError())

	m.SocketConnecting()
	assert.Equal(t, status.Reconnecting, m.State(), "reconnect attempts stay in reconnecting")
	m.SocketUp()
	assert.Equal(t, status.Online, m.State())
	assert.Empty(t, m.LastError())
}

func TestMonitorNetworkDownKeepsOffline(t *testing.T) {
	m, b := newMonitor(t)
	ch, unsub := b.Subscribe("network.", 4)
	defer unsub()

	m.SocketConnecting()
	m.SocketUp()
	m.SetNetwork(false)
	assert.Equal(t, status.Offline, m.State())

	select {
	case evt := <-ch:
		assert.Equal(t, bus.NetworkPayload{Up: false}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected network.changed")
	}

	m.SocketConnecting()
	assert.Equal(t, status.Offline, m.State())
	m.SocketLost(errors.New("dial failed"))
	assert.Equal(t, status.Offline, m.State())

	m.SetNetwork(true)
	m.SocketConnecting()
	assert.Equal(t, status.Connecting, m.State())
}

func TestMonitorReconnectCeiling(t *testing.T) {
	m, _ := newMonitor(t)
	m.SocketConnecting()
	m.SocketLost(errors.New("refused"))
	require.Equal(t, status.Reconnecting, m.State())

	m.ReconnectExhausted(errors.New("gave up after 8 attempts"))
	assert.Equal(t, status.Offline, m.State())
	assert.Equal(t, "gave up after 8 attempts", m.LastError())

	// Slow retries do not flap the state.
	m.SocketConnecting()
	assert.Equal(t, status.Offline, m.State())
	m.SocketLost(errors.New("refused"))
	assert.Equal(t, status.Offline, m.State())

	m.SocketUp()
	assert.Equal(t, status.Online, m.State())
}

func TestMonitorRestartAfterCeiling(t *testing.T) {
	m, _ := newMonitor(t)
	m.SocketConnecting()
	m.SocketLost(errors.New("refused"))
	m.ReconnectExhausted(errors.New("gave up"))

	m.Restart()
	assert.Equal(t, status.Connecting, m.State())
}

func TestMonitorAuthRejected(t *testing.T) {
	m, _ := newMonitor(t)
	m.SocketConnecting()
	m.AuthRejected(errors.New("token expired"))
	assert.Equal(t, status.AuthError, m.State())

	m.SocketConnecting()
	assert.Equal(t, status.Connecting, m.State())
}

func TestProberFollowsInterfaces(t *testing.T) {
	m, _ := newMonitor(t)
	p, err := NewProber("wss://chat.example.com/ws", time.Hour, m, zap.NewNop())
	require.NoError(t, err)

	p.usable = func() (bool, error) { return true, nil }
	assert.True(t, p.Probe())
	p.usable = func() (bool, error) { return false, nil }
	assert.False(t, p.Probe())
	p.usable = func() (bool, error) { return false, errors.New("netlink unavailable") }
	assert.True(t, p.Probe(), "a failed listing leaves the decision to the socket")
}

// A refused server port is not a network outage.
func TestProberIgnoresServerReachability(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m, _ := newMonitor(t)
	p, err := NewProber("ws://"+addr+"/ws", time.Hour, m, zap.NewNop())
	require.NoError(t, err)
	p.usable = func() (bool, error) { return false, nil }
	assert.True(t, p.Probe(), "loopback servers need no external interface")

	p.Start(context.Background())
	defer p.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.NetworkUp())
}

func TestProberStartSetsNetwork(t *testing.T) {
	m, _ := newMonitor(t)
	p, err := NewProber("wss://chat.example.com/ws", time.Hour, m, zap.NewNop())
	require.NoError(t, err)
	p.usable = func() (bool, error) { return false, nil }

	p.Start(context.Background())
	defer p.Stop()
	assert.Eventually(t, func() bool { return !m.NetworkUp() }, time.Second, 10*time.Millisecond)
}

func TestIsLoopback(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":        true,
		"127.0.0.1":        true,
		"::1":              true,
		"10.0.0.5":         false,
		"chat.example.com": false,
	} {
		assert.Equal(t, want, isLoopback(host), host)
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://example.com/ws", "example.com:80", false},
		{"wss://example.com/ws", "example.com:443", false},
		{"http://localhost:8080", "localhost:8080", false},
		{"ftp://example.com", "", true},
		{"/just/a/path", "", true},
	}
	for _, tt := range tests {
		got, err := hostPort(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
