// Package socket owns the single authenticated real-time connection of a
// daemon: connect, heartbeat, reconnect with backoff and auth recovery.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatq/internal/auth"
	"github.com/matheus3301/chatq/internal/backoff"
	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/connectivity"
	"github.com/matheus3301/chatq/internal/errs"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/matheus3301/chatq/internal/transport"
	"go.uber.org/zap"
)

var (
	errNotConnected = errors.New("not connected")
	errNoSession    = errors.New("no session")
)

// TokenGuard supplies the anti-forgery token of a session.
type TokenGuard interface {
	Token(ctx context.Context, s auth.Session) (string, error)
	Invalidate()
}

// Options tunes the manager.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	Backoff           backoff.Policy
}

// attempt is a connect in progress that several callers may wait on.
type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *attempt { return &attempt{done: make(chan struct{})} }

func (a *attempt) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Manager keeps one connection alive for the current session.
type Manager struct {
	dialer    transport.Dialer
	refresher auth.Refresher
	guard     TokenGuard
	monitor   *connectivity.Monitor
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	base       context.Context
	baseCancel context.CancelFunc
	netUp      chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	session   auth.Session
	conn      transport.Conn
	pending   *attempt
	gen       int
	runCancel context.CancelFunc
	runDone   chan struct{}
	halted    bool
	authLost  bool
	onAck     func(transport.Ack)
	onSession func(auth.Session)
}

// NewManager creates a manager. Nothing is dialed until Connect or
// SetSession is called.
func NewManager(
	dialer transport.Dialer,
	refresher auth.Refresher,
	guard TokenGuard,
	monitor *connectivity.Monitor,
	b *bus.Bus,
	opts Options,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:     dialer,
		refresher:  refresher,
		guard:      guard,
		monitor:    monitor,
		bus:        b,
		logger:     logger,
		opts:       opts,
		base:       base,
		baseCancel: cancel,
		netUp:      make(chan struct{}, 1),
	}
}

// OnAck registers the handler for acks no transmission was waiting for.
func (m *Manager) OnAck(handler func(transport.Ack)) {
	m.mu.Lock()
	m.onAck = handler
	m.mu.Unlock()
}

// OnSessionChange registers a callback for sessions obtained by refresh.
func (m *Manager) OnSessionChange(fn func(auth.Session)) {
	m.mu.Lock()
	m.onSession = fn
	m.mu.Unlock()
}

// Start listens for network changes. The connection itself is started by
// Connect or SetSession.
func (m *Manager) Start(ctx context.Context) {
	events, unsub := m.bus.SubscribeQueued(string(bus.NetworkChanged))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				if p, ok := evt.Payload.(bus.NetworkPayload); ok {
					m.networkChanged(p.Up)
				}
			case <-ctx.Done():
				return
			case <-m.base.Done():
				return
			}
		}
	}()
}

// Stop closes the connection and stops every background loop.
func (m *Manager) Stop() {
	m.baseCancel()
	m.mu.Lock()
	done := m.runDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	m.wg.Wait()
	m.monitor.Disconnected()
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() auth.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect binds the manager to s and waits until the first connect attempt
// finishes. It is idempotent: with s already connected it returns nil at
// once, and while an attempt for s is running callers wait on that attempt.
// A failed first attempt is returned but retries continue in the background.
func (m *Manager) Connect(ctx context.Context, s auth.Session) error {
	if s.IsZero() {
		return errs.New(errs.Authentication, "connect", errNoSession)
	}
	m.mu.Lock()
	var a *attempt
	switch {
	case m.session.Same(s) && m.conn != nil:
		m.mu.Unlock()
		return nil
	case m.session.Same(s) && m.pending != nil:
		a = m.pending
	case m.session.Same(s) && m.runCancel != nil && !m.halted:
		// Already reconnecting in the background.
		m.mu.Unlock()
		return nil
	default:
		m.session = s
		a = m.restartLocked("session changed")
	}
	m.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSession replaces the session and reconnects with it without waiting.
// It is how a caller recovers from AUTH_ERROR.
func (m *Manager) SetSession(s auth.Session) error {
	if s.IsZero() {
		return errs.New(errs.Authentication, "set session", errNoSession)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.restartLocked("session changed")
	return nil
}

// Reconnect drops the current connection and starts over with a fresh
// backoff schedule. It also lifts an auth halt, so the stored session is
// tried once more.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.IsZero() {
		return errs.New(errs.Authentication, "reconnect", errNoSession)
	}
	m.logger.Info("manual reconnect requested")
	m.monitor.Restart()
	m.restartLocked("manual reconnect")
	return nil
}

// Disconnect closes the connection and forgets the session. Queued
// operations stay queued until a new session connects.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.runCancel != nil {
		m.runCancel()
		m.runCancel = nil
	}
	if m.pending != nil {
		m.pending.resolve(errors.New("disconnected"))
		m.pending = nil
	}
	m.session = auth.Session{}
	m.conn = nil
	m.gen++
	done := m.runDone
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	m.monitor.Disconnected()
	m.logger.Info("disconnected")
}

// restartLocked cancels the running loop and starts a new one for the
// current session. The new loop begins once the old one has exited. A live
// connection is detached at once and reported lost with reason; the old
// loop closes it on cancel.
func (m *Manager) restartLocked(reason string) *attempt {
	if m.runCancel != nil {
		m.runCancel()
	}
	if m.conn != nil {
		m.conn = nil
		m.logger.Info("dropping connection", zap.String("reason", reason))
		m.publish(bus.ConnectionLost, bus.ConnectionLostPayload{Reason: reason})
		m.monitor.SocketLost(errors.New(reason))
	}
	if m.pending != nil {
		m.pending.resolve(errors.New("superseded by a newer connect"))
	}
	m.halted = false
	m.authLost = false
	m.gen++
	a := newAttempt()
	m.pending = a

	ctx, cancel := context.WithCancel(m.base)
	prev := m.runDone
	done := make(chan struct{})
	m.runCancel = cancel
	m.runDone = done
	gen := m.gen
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		m.run(ctx, gen, a)
	}()
	return a
}

func (m *Manager) resolveAttempt(gen int, a *attempt, err error) {
	a.resolve(err)
	m.mu.Lock()
	if m.gen == gen && m.pending == a {
		m.pending = nil
	}
	m.mu.Unlock()
}

// run is the connection loop of one session generation.
func (m *Manager) run(ctx context.Context, gen int, first *attempt) {
	sched := m.opts.Backoff.NewSchedule()
	refreshed := false
	announced := false

	for {
		m.monitor.SocketConnecting()
		conn, err := m.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			m.resolveAttempt(gen, first, ctx.Err())
			return
		}

		if err == nil {
			m.setConn(gen, conn)
			m.resolveAttempt(gen, first, nil)
			sched.Reset()
			refreshed, announced = false, false
			m.monitor.SocketUp()
			m.publish(bus.ConnectionEstablished, nil)
			m.logger.Info("connection established", zap.String("user_id", m.Session().UserID))

			reason := m.serve(ctx, conn)
			m.setConn(gen, nil)
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("connection lost", zap.Error(reason))
			m.publish(bus.ConnectionLost, bus.ConnectionLostPayload{Reason: reason.Error()})
			m.monitor.SocketLost(reason)
			err = reason
			if m.takeAuthLoss() {
				err = fmt.Errorf("session rejected: %w", transport.ErrUnauthorized)
			}
		}

		if errors.Is(err, transport.ErrUnauthorized) {
			if !refreshed {
				refreshed = true
				if m.refresh(ctx) {
					continue
				}
			}
			m.halt(gen, first, err)
			return
		}

		if conn == nil {
			m.logger.Warn("connect failed", zap.Error(err))
			m.monitor.SocketLost(err)
			m.resolveAttempt(gen, first, errs.New(errs.Network, "connect", err))
		}

		if !m.monitor.NetworkUp() {
			m.logger.Info("network down, waiting before reconnecting")
			select {
			case <-m.netUp:
				sched.Reset()
				announced = false
				continue
			case <-ctx.Done():
				return
			}
		}

		if sched.Exhausted() && !announced {
			announced = true
			m.logger.Warn("reconnect ceiling reached, retrying slowly",
				zap.Duration("interval", m.opts.Backoff.SlowInterval), zap.Error(err))
			m.publish(bus.ReconnectFailed, bus.ErrorPayload{
				ErrorKind: string(errs.Network),
				Message:   err.Error(),
			})
			m.monitor.ReconnectExhausted(err)
		}
		step := sched.Next()
		m.publish(bus.Reconnecting, bus.ReconnectingPayload{Attempt: step.Attempt, Delay: step.Delay})
		m.logger.Info("reconnecting", zap.Int("attempt", step.Attempt), zap.Duration("delay", step.Delay))

		timer := time.NewTimer(step.Delay)
		select {
		case <-timer.C:
		case <-m.netUp:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (transport.Conn, error) {
	s := m.Session()
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	return m.dialer.Dial(dctx, s.AccessToken)
}

// refresh runs the single refresh allowed per rejection. It reports whether
// a new session was obtained.
func (m *Manager) refresh(ctx context.Context) bool {
	s := m.Session()
	if m.refresher == nil || !s.CanRefresh() {
		return false
	}
	m.logger.Info("session rejected, refreshing", zap.String("user_id", s.UserID))
	next, err := m.refresher.Refresh(ctx, s)
	if err != nil {
		m.logger.Warn("session refresh failed", zap.Error(err))
		return false
	}
	m.mu.Lock()
	m.session = next
	fn := m.onSession
	m.mu.Unlock()
	if m.guard != nil {
		m.guard.Invalidate()
	}
	if fn != nil {
		fn(next)
	}
	return true
}

// halt stops automatic retries until a new session or a manual reconnect.
func (m *Manager) halt(gen int, first *attempt, cause error) {
	authErr := errs.New(errs.Authentication, "connect", cause)
	m.mu.Lock()
	if m.gen == gen {
		m.halted = true
	}
	m.mu.Unlock()
	m.logger.Error("authentication failed, automatic reconnect halted", zap.Error(cause))
	m.monitor.AuthRejected(authErr)
	m.publish(bus.AuthError, bus.ErrorPayload{
		ErrorKind: string(errs.Authentication),
		Message:   authErr.Error(),
	})
	m.resolveAttempt(gen, first, authErr)
}

// serve runs the heartbeat and forwards unsolicited acks until the
// connection ends. It returns why the connection ended.
func (m *Manager) serve(ctx context.Context, conn transport.Conn) error {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return err
			}
			return transport.ErrClosed
		case ack := <-conn.Unsolicited():
			m.mu.Lock()
			handler := m.onAck
			m.mu.Unlock()
			if handler != nil {
				handler(ack)
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.opts.HeartbeatTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				conn.Close()
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (m *Manager) setConn(gen int, conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.conn = conn
	}
}

func (m *Manager) takeAuthLoss() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lost := m.authLost
	m.authLost = false
	return lost
}

func (m *Manager) networkChanged(up bool) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if !up {
		if conn != nil {
			m.logger.Info("network down, closing connection")
			conn.Close()
		}
		return
	}
	select {
	case m.netUp <- struct{}{}:
	default:
	}
}

// Connected reports whether the connection is up and authenticated.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	return conn != nil && m.monitor.State() == status.Online
}

// Emit sends req on the live connection.
func (m *Manager) Emit(ctx context.Context, req transport.Request) (transport.Ack, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return transport.Ack{}, errs.New(errs.Network, "emit "+req.ID, errNotConnected)
	}
	return conn.Emit(ctx, req)
}

// CSRFToken returns the anti-forgery token of the current session.
func (m *Manager) CSRFToken(ctx context.Context) (string, error) {
	if m.guard == nil {
		return "", nil
	}
	return m.guard.Token(ctx, m.Session())
}

// InvalidateCSRF forgets the cached anti-forgery token.
func (m *Manager) InvalidateCSRF() {
	if m.guard != nil {
		m.guard.Invalidate()
	}
}

// AuthRejected handles a credential rejection reported while the
// connection was up: the connection is dropped and the refresh path runs.
func (m *Manager) AuthRejected(err error) {
	m.mu.Lock()
	conn := m.conn
	if conn != nil {
		m.authLost = true
	}
	m.mu.Unlock()
	if conn != nil {
		m.logger.Warn("session rejected by server", zap.Error(err))
		conn.Close()
	}
}

// Halted reports whether automatic reconnects are stopped by an auth error.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Manager) publish(kind bus.Kind, payload any) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
