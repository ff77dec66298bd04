// Package dispatch is the entry point callers use to send chat operations
// and follow their delivery.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatq/internal/auth"
	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/connectivity"
	"github.com/matheus3301/chatq/internal/errs"
	"github.com/matheus3301/chatq/internal/outbox"
	"github.com/matheus3301/chatq/internal/socket"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/matheus3301/chatq/internal/store"
	"go.uber.org/zap"
)

const sessionKey = "session/current"

// ConnectionStatus is a snapshot of the connection as callers see it.
type ConnectionStatus struct {
	IsConnected bool
	State       status.State
	UserID      string
	LastError   string
	Pending     int
	Failed      int
	InFlight    int
}

// Service fronts the queue, the socket manager and the local message cache.
// One Service exists per daemon.
type Service struct {
	queue   *outbox.Queue
	socket  *socket.Manager
	monitor *connectivity.Monitor
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires a service. Start must be called before use.
func New(q *outbox.Queue, mgr *socket.Manager, mon *connectivity.Monitor, db *store.DB, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		queue:   q,
		socket:  mgr,
		monitor: mon,
		db:      db,
		bus:     b,
		logger:  logger,
	}
	mgr.OnSessionChange(s.saveSession)
	return s
}

// Start keeps the message cache in step with delivery events and
// reconnects with the session saved by a previous run, if any.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	events, unsub := s.bus.SubscribeQueued("message.")

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case evt := <-events:
				s.reconcile(evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	sess, ok := s.loadSession()
	if !ok {
		s.logger.Info("no saved session, waiting for one")
		return
	}
	go func() {
		if err := s.socket.Connect(ctx, sess); err != nil {
			s.logger.Warn("initial connect failed", zap.Error(err))
		}
	}()
}

// Stop stops reconciling.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// EnqueueMessage queues a text message for chatID and returns its operation
// id. A metadata "operation_id" string is used as the id, so a caller can
// resubmit safely.
func (s *Service) EnqueueMessage(chatID, content string, metadata map[string]any) (string, error) {
	id, _ := metadata["operation_id"].(string)
	payload, err := json.Marshal(map[string]any{
		"chat_id":  chatID,
		"content":  content,
		"metadata": metadata,
	})
	if err != nil {
		return "", errs.Validationf("encode message: %v", err)
	}
	return s.Enqueue(outbox.SendMessage, chatID, payload, id)
}

// Enqueue queues any operation kind. It returns at once; delivery is
// reported through events. The optimistic message row is written before
// the operation becomes visible to the sender, so an early ack always finds
// it.
func (s *Service) Enqueue(kind outbox.Kind, chatID string, payload json.RawMessage, id string) (string, error) {
	op := outbox.Operation{ID: id, Kind: kind, ChatID: chatID, Payload: payload}
	if err := op.Validate(); err != nil {
		return "", err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if _, queued := s.queue.Get(op.ID); queued {
		return op.ID, nil
	}
	if op.Kind == outbox.SendMessage {
		s.cacheOptimistic(op.ID, op.ChatID, op.Payload)
	}
	opID, _, err := s.queue.Enqueue(op)
	return opID, err
}

func (s *Service) cacheOptimistic(id, chatID string, payload json.RawMessage) {
	var body struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(payload, &body)
	err := s.db.UpsertMessage(&store.Message{
		ClientID:  id,
		ChatID:    chatID,
		Body:      body.Content,
		Status:    store.MessagePending,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Warn("optimistic insert failed", zap.String("operation_id", id), zap.Error(err))
	}
}

// reconcile applies delivery outcomes to the cached rows, matching them by
// operation id.
func (s *Service) reconcile(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case bus.AckPayload:
		if p.Kind == string(outbox.SendMessage) {
			err = s.db.ConfirmMessage(p.OperationID, p.ServerID)
		}
	case bus.ErrorPayload:
		if evt.Kind == bus.OperationFailed {
			err = s.db.SetMessageStatus(p.OperationID, store.MessageFailed)
		}
	case bus.OperationStatusPayload:
		switch p.Status {
		case "cancelled":
			err = s.db.DeleteMessage(p.OperationID)
		case string(outbox.Pending):
			if p.Attempts == 0 {
				err = s.db.SetMessageStatus(p.OperationID, store.MessagePending)
			}
		}
	}
	if err != nil {
		s.logger.Warn("message cache update failed", zap.String("event", string(evt.Kind)), zap.Error(err))
	}
}

// ConnectionStatus reports the connection state and queue size.
func (s *Service) ConnectionStatus() ConnectionStatus {
	counts := s.queue.Counts()
	return ConnectionStatus{
		IsConnected: s.socket.Connected(),
		State:       s.monitor.State(),
		UserID:      s.socket.Session().UserID,
		LastError:   s.monitor.LastError(),
		Pending:     counts[outbox.Pending],
		InFlight:    counts[outbox.InFlight],
		Failed:      counts[outbox.Failed],
	}
}

// On calls handler for every event of the given kind until off is called.
func (s *Service) On(kind bus.Kind, handler func(bus.Event)) (off func()) {
	return s.bus.On(kind, handler)
}

// Reconnect forces a new connection attempt.
func (s *Service) Reconnect() error {
	return s.socket.Reconnect()
}

// SetSession stores sess and reconnects with it.
func (s *Service) SetSession(sess auth.Session) error {
	if sess.IsZero() {
		return errs.Validationf("session has no access token")
	}
	s.saveSession(sess)
	return s.socket.SetSession(sess)
}

// Session returns the session in use, if any.
func (s *Service) Session() auth.Session {
	return s.socket.Session()
}

// ClearSession forgets the stored session and closes the connection.
// Queued operations wait for the next session.
func (s *Service) ClearSession() error {
	s.socket.Disconnect()
	if err := s.db.Delete(sessionKey); err != nil {
		return errs.New(errs.Storage, "clear session", err)
	}
	return nil
}

// Cancel cancels an operation. See outbox.Queue.Cancel.
func (s *Service) Cancel(id string) (outbox.Operation, error) {
	return s.queue.Cancel(id)
}

// Retry re-queues a failed operation.
func (s *Service) Retry(id string) (outbox.Operation, error) {
	return s.queue.Retry(id)
}

// Operations lists queued operations, optionally for one chat.
func (s *Service) Operations(chatID string) []outbox.Operation {
	return s.queue.List(chatID)
}

// Messages returns cached messages of a chat, oldest first.
func (s *Service) Messages(chatID string, limit int) ([]store.Message, error) {
	return s.db.ListMessages(chatID, limit)
}

func (s *Service) saveSession(sess auth.Session) {
	data, err := json.Marshal(sess)
	if err != nil {
		s.logger.Error("encode session", zap.Error(err))
		return
	}
	if err := s.db.Put(sessionKey, data); err != nil {
		s.logger.Warn("session not saved", zap.Error(err))
	}
}

func (s *Service) loadSession() (auth.Session, bool) {
	data, found, err := s.db.Get(sessionKey)
	if err != nil {
		s.logger.Warn("session not loaded", zap.Error(err))
		return auth.Session{}, false
	}
	if !found {
		return auth.Session{}, false
	}
	var sess auth.Session
	if err := json.Unmarshal(data, &sess); err != nil || sess.IsZero() {
		s.logger.Warn("saved session unreadable", zap.Error(err))
		return auth.Session{}, false
	}
	return sess, true
}
