package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/errs"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/matheus3301/chatq/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Link is the live connection as seen by the sender.
type Link interface {
	// Connected reports whether operations can be sent right now.
	Connected() bool
	Emit(ctx context.Context, req transport.Request) (transport.Ack, error)
	// CSRFToken returns the anti-forgery token for the current session.
	CSRFToken(ctx context.Context) (string, error)
	InvalidateCSRF()
	// AuthRejected reports that the server refused the session's
	// credentials while sending.
	AuthRejected(err error)
}

// SenderOptions tunes the drain.
type SenderOptions struct {
	// Concurrency bounds in-flight operations across chats.
	Concurrency int
	// AckTimeout bounds each transmission.
	AckTimeout time.Duration
	// Tick is how often retry deadlines are rechecked.
	Tick time.Duration
}

// Sender drains the queue over the link whenever the connection is up.
type Sender struct {
	queue  *Queue
	link   Link
	bus    *bus.Bus
	logger *zap.Logger
	opts   SenderOptions
	sem    *semaphore.Weighted

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender.
func NewSender(q *Queue, link Link, b *bus.Bus, opts SenderOptions, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	return &Sender{
		queue:  q,
		link:   link,
		bus:    b,
		logger: logger,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Start begins draining. The sender wakes on enqueue, on every transition
// into Online and on a ticker for retry deadlines.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	states, unsub := s.bus.SubscribeQueued(string(bus.StateChanged))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		s.loop(ctx, states)
	}()
}

// Stop stops the sender loop and waits for transmissions to return.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context, states <-chan bus.Event) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case evt := <-states:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok || change.Current != status.Online {
				continue
			}
			s.logger.Info("connection online, draining outbox", zap.Int("queued", s.queue.Len()))
		case <-s.queue.Wake():
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		s.drain(ctx)
	}
}

// drain starts a transmission for every sendable operation, up to the
// concurrency limit.
func (s *Sender) drain(ctx context.Context) {
	for s.link.Connected() && ctx.Err() == nil {
		if !s.sem.TryAcquire(1) {
			return
		}
		op, ok := s.queue.Claim()
		if !ok {
			s.sem.Release(1)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.send(ctx, op)
			// A finished transmission may unblock the next one in its chat.
			s.queue.signal()
		}()
	}
}

func (s *Sender) send(ctx context.Context, op Operation) {
	log := s.logger.With(
		zap.String("operation_id", op.ID),
		zap.String("chat_id", op.ChatID),
		zap.Int("attempt", op.Attempts+1))

	token, err := s.link.CSRFToken(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			s.queue.Release(op.ID)
		case errs.Is(err, errs.Authentication):
			log.Warn("csrf token refused, session rejected", zap.Error(err))
			s.queue.Release(op.ID)
			s.link.AuthRejected(err)
		default:
			log.Warn("csrf token unavailable", zap.Error(err))
			s.queue.Fail(op.ID, err, false)
		}
		return
	}

	actx, cancel := context.WithTimeout(ctx, s.opts.AckTimeout)
	defer cancel()
	ack, err := s.link.Emit(actx, transport.Request{
		Event:     string(op.Kind),
		ID:        op.ID,
		CSRFToken: token,
		Payload:   op.Payload,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			s.queue.Release(op.ID)
		case errors.Is(err, transport.ErrAckTimeout):
			log.Warn("ack timeout", zap.Duration("timeout", s.opts.AckTimeout))
			s.queue.Fail(op.ID, errs.New(errs.Network, "await ack", err), false)
		case errors.Is(err, transport.ErrClosed), errs.Is(err, errs.Network):
			log.Info("connection lost mid-transmission, requeued", zap.Error(err))
			s.queue.Release(op.ID)
		default:
			log.Warn("transmission failed", zap.Error(err))
			s.queue.Fail(op.ID, err, false)
		}
		return
	}
	s.applyAck(op.ID, ack, log)
}

// HandleAck applies an ack nobody was waiting for, such as one that arrived
// after its transmission timed out.
func (s *Sender) HandleAck(ack transport.Ack) {
	if !ack.OK {
		s.logger.Debug("ignoring unsolicited rejection",
			zap.String("operation_id", ack.OperationID), zap.String("code", ack.Code))
		return
	}
	if s.queue.Ack(ack.OperationID, ack.ServerID) {
		s.logger.Info("late ack applied", zap.String("operation_id", ack.OperationID))
	}
}

func (s *Sender) applyAck(id string, ack transport.Ack, log *zap.Logger) {
	if ack.OK {
		s.queue.Ack(id, ack.ServerID)
		return
	}

	rejected := errs.New(errs.OperationFailed, "server rejected operation", errors.New(ack.Code+": "+ack.Message))
	rejected.OperationID = id
	switch ack.Code {
	case transport.CodeValidation:
		log.Warn("operation rejected as invalid", zap.String("message", ack.Message))
		s.queue.Fail(id, rejected, true)
	case transport.CodeCSRFInvalid:
		log.Info("csrf token rejected, refetching")
		s.link.InvalidateCSRF()
		s.queue.Fail(id, rejected, false)
	case transport.CodeUnauthorized:
		log.Warn("session rejected while sending")
		s.queue.Release(id)
		s.link.AuthRejected(errs.New(errs.Authentication, "send operation", errors.New(ack.Message)))
	default:
		log.Warn("operation rejected", zap.String("code", ack.Code), zap.String("message", ack.Message))
		s.queue.Fail(id, rejected, false)
	}
}
