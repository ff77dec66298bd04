package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Conn is an authenticated connection to the chat server.
type Conn interface {
	// Emit sends req and waits for its ack or for ctx to end.
	Emit(ctx context.Context, req Request) (Ack, error)
	// Ping checks liveness with a WebSocket ping.
	Ping(ctx context.Context) error
	// Unsolicited delivers acks nobody is waiting for, such as late acks
	// after a timeout or acks pushed after a reconnect.
	Unsolicited() <-chan Ack
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	// Err reports why the connection ended.
	Err() error
	Close() error
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, accessToken string) (Conn, error)
}

// WSDialer dials the chat server over WebSocket.
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// NewWSDialer returns a dialer for url.
func NewWSDialer(url string, logger *zap.Logger) *WSDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSDialer{URL: url, HandshakeTimeout: 10 * time.Second, Logger: logger}
}

// Dial upgrades the connection, sending the access token as a bearer token,
// and waits for the handshake frame.
func (d *WSDialer) Dial(ctx context.Context, accessToken string) (Conn, error) {
	hdr := http.Header{}
	if accessToken != "" {
		hdr.Set("Authorization", "Bearer "+accessToken)
	}
	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: hdr,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", d.URL, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	hctx := ctx
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}
	var f Frame
	if err := wsjson.Read(hctx, c, &f); err != nil {
		c.Close(websocket.StatusProtocolError, "no handshake")
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var hs Handshake
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &hs)
	}
	switch f.Type {
	case FrameAuthenticated:
	case FrameAuthError:
		c.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, fmt.Errorf("handshake: %s: %w", hs.Message, ErrUnauthorized)
	default:
		c.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("handshake: unexpected frame type %q", f.Type)
	}

	d.Logger.Info("websocket authenticated", zap.String("url", d.URL), zap.String("user_id", hs.UserID))
	return newWSConn(c, d.Logger), nil
}

type wsConn struct {
	conn        *websocket.Conn
	logger      *zap.Logger
	cancel      context.CancelFunc
	unsolicited chan Ack
	done        chan struct{}

	mu      sync.Mutex
	pending map[string]chan Ack
	err     error
}

func newWSConn(c *websocket.Conn, logger *zap.Logger) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	w := &wsConn{
		conn:        c,
		logger:      logger,
		cancel:      cancel,
		unsolicited: make(chan Ack, 64),
		done:        make(chan struct{}),
		pending:     make(map[string]chan Ack),
	}
	go w.readLoop(ctx)
	return w
}

func (w *wsConn) readLoop(ctx context.Context) {
	var err error
	defer func() { w.finish(err) }()
	for {
		var f Frame
		if err = wsjson.Read(ctx, w.conn, &f); err != nil {
			return
		}
		switch f.Type {
		case FrameAck:
			var ack Ack
			if err := json.Unmarshal(f.Payload, &ack); err != nil {
				w.logger.Warn("malformed ack frame", zap.String("id", f.ID), zap.Error(err))
				continue
			}
			if ack.OperationID == "" {
				ack.OperationID = f.ID
			}
			w.deliver(ack)
		default:
			w.logger.Debug("ignoring frame", zap.String("type", f.Type), zap.String("id", f.ID))
		}
	}
}

func (w *wsConn) deliver(ack Ack) {
	w.mu.Lock()
	ch, ok := w.pending[ack.OperationID]
	if ok {
		delete(w.pending, ack.OperationID)
	}
	w.mu.Unlock()
	if ok {
		ch <- ack
		return
	}
	select {
	case w.unsolicited <- ack:
	default:
		w.logger.Warn("unsolicited ack dropped", zap.String("operation_id", ack.OperationID))
	}
}

func (w *wsConn) finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if err == nil || errors.Is(err, context.Canceled) {
		err = ErrClosed
	}
	w.err = err
	close(w.done)
}

func (w *wsConn) Emit(ctx context.Context, req Request) (Ack, error) {
	ch := make(chan Ack, 1)
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return Ack{}, fmt.Errorf("emit %s: %w", req.ID, ErrClosed)
	}
	w.pending[req.ID] = ch
	w.mu.Unlock()

	forget := func() {
		w.mu.Lock()
		if w.pending[req.ID] == ch {
			delete(w.pending, req.ID)
		}
		w.mu.Unlock()
	}

	f := Frame{Type: FrameEmit, ID: req.ID, Event: req.Event, CSRF: req.CSRFToken, Payload: req.Payload}
	if err := wsjson.Write(ctx, w.conn, f); err != nil {
		forget()
		return Ack{}, fmt.Errorf("emit %s: %w", req.ID, err)
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-w.done:
		forget()
		return Ack{}, fmt.Errorf("emit %s: %w", req.ID, ErrClosed)
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Ack{}, fmt.Errorf("emit %s: %w", req.ID, ErrAckTimeout)
		}
		return Ack{}, ctx.Err()
	}
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsConn) Unsolicited() <-chan Ack { return w.unsolicited }

func (w *wsConn) Done() <-chan struct{} { return w.done }

func (w *wsConn) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *wsConn) Close() error {
	err := w.conn.Close(websocket.StatusNormalClosure, "")
	w.cancel()
	<-w.done
	return err
}
