// Package transporttest provides in-memory transport fakes for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/chatq/internal/transport"
)

// AckFunc decides how a fake connection answers req. Returning false leaves
// the request unanswered until the caller's context ends.
type AckFunc func(req transport.Request) (transport.Ack, bool)

// AcceptAll acks every request with server id "srv-<id>".
func AcceptAll(req transport.Request) (transport.Ack, bool) {
	return transport.Ack{OperationID: req.ID, ServerID: "srv-" + req.ID, OK: true}, true
}

// Dialer is a scripted transport.Dialer.
type Dialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*Conn
	// Fail, when set, is consulted before every dial; a non-nil error
	// fails that dial.
	Fail func(attempt int, token string) error
	// Ack answers requests on connections created by this dialer.
	Ack AckFunc
	// Dialed receives every successfully created connection.
	Dialed chan *Conn
}

// NewDialer returns a dialer whose connections accept every request.
func NewDialer() *Dialer {
	return &Dialer{Ack: AcceptAll, Dialed: make(chan *Conn, 64)}
}

func (d *Dialer) Dial(ctx context.Context, accessToken string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.tokens = append(d.tokens, accessToken)
	attempt := len(d.tokens)
	fail := d.Fail
	ack := d.Ack
	d.mu.Unlock()

	if fail != nil {
		if err := fail(attempt, accessToken); err != nil {
			return nil, err
		}
	}
	c := NewConn(ack)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	select {
	case d.Dialed <- c:
	default:
	}
	return c, nil
}

// SetFail replaces Fail while dials may be running.
func (d *Dialer) SetFail(fn func(attempt int, token string) error) {
	d.mu.Lock()
	d.Fail = fn
	d.mu.Unlock()
}

// Attempts returns how many dials were made.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// Tokens returns the access tokens used, in dial order.
func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is an in-memory transport.Conn.
type Conn struct {
	ack         AckFunc
	unsolicited chan transport.Ack
	done        chan struct{}

	mu       sync.Mutex
	requests []transport.Request
	pingErr  error
	err      error
}

// NewConn returns a connection answering with ack.
func NewConn(ack AckFunc) *Conn {
	if ack == nil {
		ack = AcceptAll
	}
	return &Conn{
		ack:         ack,
		unsolicited: make(chan transport.Ack, 64),
		done:        make(chan struct{}),
	}
}

func (c *Conn) Emit(ctx context.Context, req transport.Request) (transport.Ack, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return transport.Ack{}, fmt.Errorf("emit %s: %w", req.ID, transport.ErrClosed)
	}
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if ack, ok := c.ack(req); ok {
		return ack, nil
	}
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return transport.Ack{}, fmt.Errorf("emit %s: %w", req.ID, transport.ErrAckTimeout)
		}
		return transport.Ack{}, ctx.Err()
	case <-c.done:
		return transport.Ack{}, fmt.Errorf("emit %s: %w", req.ID, transport.ErrClosed)
	}
}

// Ping fails with the error set by FailPings, blocking until ctx ends to
// mimic a peer that stopped answering.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	err := c.pingErr
	c.mu.Unlock()
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
	case <-c.done:
	}
	return err
}

// FailPings makes every later Ping return err.
func (c *Conn) FailPings(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *Conn) Unsolicited() <-chan transport.Ack { return c.unsolicited }

// Push delivers ack as if the server sent it unprompted.
func (c *Conn) Push(ack transport.Ack) {
	c.unsolicited <- ack
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Drop ends the connection with err, as if the network failed.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *Conn) Close() error {
	c.Drop(transport.ErrClosed)
	return nil
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Requests returns the requests seen so far.
func (c *Conn) Requests() []transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Request(nil), c.requests...)
}
