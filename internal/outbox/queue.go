package outbox

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatq/internal/backoff"
	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/errs"
	"github.com/matheus3301/chatq/internal/store"
	"go.uber.org/zap"
)

const keyPrefix = "outbox/"

var (
	// ErrNotFound is returned for operation ids the queue does not hold.
	ErrNotFound = errors.New("operation not found")
	// ErrNotFailed is returned when retrying an operation that has not failed.
	ErrNotFailed = errors.New("operation has not failed")
)

// Store is the durable key/value store the queue persists to.
type Store interface {
	Put(key string, value []byte) error
	Delete(key string) error
	ListByPrefix(prefix string) ([]store.Entry, error)
}

// Options tunes retry behaviour.
type Options struct {
	// MaxRetries is the number of failed transmissions after which an
	// operation becomes Failed.
	MaxRetries int
	// Retry spaces out transmissions of the same operation.
	Retry backoff.Policy
}

// Queue holds every unacknowledged operation. It is the only owner of the
// outbox keys in the store.
type Queue struct {
	mu      sync.Mutex
	ops     map[string]*Operation
	nextSeq uint64

	store  Store
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time
	wake   chan struct{}
}

// NewQueue returns an empty queue. Call Load to restore persisted
// operations.
func NewQueue(st Store, b *bus.Bus, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Queue{
		ops:     make(map[string]*Operation),
		nextSeq: 1,
		store:   st,
		bus:     b,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Wake fires whenever new work may be available.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Load restores operations from the store. Operations that were in flight
// when the process stopped go back to pending; cancelled ones are dropped.
func (q *Queue) Load() (int, error) {
	entries, err := q.store.ListByPrefix(keyPrefix)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		var op Operation
		if err := json.Unmarshal(e.Value, &op); err != nil {
			q.logger.Error("skipping corrupt outbox entry", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if op.Cancelling {
			q.logger.Info("dropping operation cancelled before restart", zap.String("operation_id", op.ID))
			q.deleteLocked(op.ID)
			continue
		}
		if op.Status == InFlight {
			op.Status = Pending
		}
		q.ops[op.ID] = &op
		q.nextSeq = max(q.nextSeq, op.Seq+1)
	}
	if len(q.ops) > 0 {
		q.signal()
	}
	q.logger.Info("outbox loaded", zap.Int("operations", len(q.ops)))
	return len(q.ops), nil
}

// Enqueue validates op, assigns an id when it has none and appends it. An id
// already in the queue is not queued twice; created is false in that case
// and the existing id is returned. A store failure does not lose the
// operation: it stays queued in memory and storage.degraded is published.
func (q *Queue) Enqueue(op Operation) (id string, created bool, err error) {
	if err := op.Validate(); err != nil {
		return "", false, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ops[op.ID]; ok {
		q.logger.Debug("duplicate enqueue ignored", zap.String("operation_id", op.ID))
		return op.ID, false, nil
	}

	op.Status = Pending
	op.Attempts = 0
	op.Seq = q.nextSeq
	q.nextSeq++
	op.EnqueuedAt = q.now()
	op.NextAttemptAt = time.Time{}
	op.ServerID = ""
	op.LastError = ""
	op.Cancelling = false
	q.ops[op.ID] = &op
	q.persistLocked(&op)

	q.logger.Info("operation queued",
		zap.String("operation_id", op.ID),
		zap.String("chat_id", op.ChatID),
		zap.String("kind", string(op.Kind)),
		zap.Uint64("seq", op.Seq))
	q.publish(bus.SyncQueued, bus.QueuedPayload{
		OperationID: op.ID,
		ChatID:      op.ChatID,
		Kind:        string(op.Kind),
		Pending:     len(q.ops),
	})
	q.signal()
	return op.ID, true, nil
}

// Claim marks the next sendable operation in flight and returns a copy of
// it. An operation is sendable when it is pending, its retry deadline has
// passed and it is the first unresolved operation of its chat. Chats are
// served in order of their head's sequence number.
func (q *Queue) Claim() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *Operation
	for _, head := range q.headsLocked() {
		if head.Status != Pending || head.Cancelling || head.ackBuffered {
			continue
		}
		if !head.NextAttemptAt.IsZero() && head.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || head.Seq < best.Seq {
			best = head
		}
	}
	if best == nil {
		return Operation{}, false
	}
	best.Status = InFlight
	q.persistLocked(best)
	q.statusChangedLocked(best)
	return *best, true
}

// NextDeadline returns the earliest retry deadline among chat heads, or the
// zero time when none is waiting.
func (q *Queue) NextDeadline() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, head := range q.headsLocked() {
		if head.Status != Pending || head.NextAttemptAt.IsZero() {
			continue
		}
		if next.IsZero() || head.NextAttemptAt.Before(next) {
			next = head.NextAttemptAt
		}
	}
	return next
}

// headsLocked returns the first unresolved operation of every chat.
func (q *Queue) headsLocked() map[string]*Operation {
	heads := make(map[string]*Operation)
	for _, op := range q.ops {
		if op.resolved() {
			continue
		}
		if cur, ok := heads[op.ChatID]; !ok || op.Seq < cur.Seq {
			heads[op.ChatID] = op
		}
	}
	return heads
}

// Ack records the server's acceptance of id. Acks are applied per chat in
// sequence order: an ack for an operation behind unresolved ones is held
// until they resolve. It returns false when id is unknown.
func (q *Queue) Ack(id, serverID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		q.logger.Debug("ack for unknown operation", zap.String("operation_id", id))
		return false
	}
	op.ServerID = serverID
	op.ackBuffered = true
	if !q.blockedLocked(op) {
		q.flushLocked(op.ChatID)
	} else {
		q.logger.Info("ack buffered behind earlier operations",
			zap.String("operation_id", id),
			zap.String("chat_id", op.ChatID))
	}
	return true
}

// blockedLocked reports whether an earlier operation of op's chat is still
// unresolved.
func (q *Queue) blockedLocked(op *Operation) bool {
	for _, other := range q.ops {
		if other.ChatID == op.ChatID && other.Seq < op.Seq && !other.resolved() {
			return true
		}
	}
	return false
}

// flushLocked applies buffered acks of chatID from the front of the chat
// until it reaches an operation that is still waiting.
func (q *Queue) flushLocked(chatID string) {
	for _, op := range q.chatLocked(chatID) {
		if op.Status == Failed && !op.ackBuffered {
			continue
		}
		if !op.ackBuffered {
			return
		}
		q.applyAckLocked(op)
	}
}

func (q *Queue) applyAckLocked(op *Operation) {
	delete(q.ops, op.ID)
	q.deleteLocked(op.ID)
	op.Status = Acknowledged
	op.ackBuffered = false

	if op.Cancelling {
		q.logger.Info("discarding ack for cancelled operation", zap.String("operation_id", op.ID))
		q.publish(bus.OperationStatusChanged, bus.OperationStatusPayload{
			OperationID: op.ID, ChatID: op.ChatID, Status: "cancelled", Attempts: op.Attempts,
		})
		q.signal()
		return
	}

	q.logger.Info("operation acknowledged",
		zap.String("operation_id", op.ID),
		zap.String("server_id", op.ServerID),
		zap.String("chat_id", op.ChatID))
	q.statusChangedLocked(op)
	q.publish(bus.MessageReceived, bus.AckPayload{
		OperationID: op.ID,
		ServerID:    op.ServerID,
		ChatID:      op.ChatID,
		Kind:        string(op.Kind),
		EnqueuedAt:  op.EnqueuedAt,
	})
	q.signal()
}

// chatLocked returns chatID's operations in sequence order.
func (q *Queue) chatLocked(chatID string) []*Operation {
	var ops []*Operation
	for _, op := range q.ops {
		if op.ChatID == chatID {
			ops = append(ops, op)
		}
	}
	slices.SortFunc(ops, func(a, b *Operation) int { return cmp.Compare(a.Seq, b.Seq) })
	return ops
}

// Fail records a failed transmission of id. Permanent failures and
// failures that reach MaxRetries make the operation Failed; others put it
// back to pending behind a backoff deadline.
func (q *Queue) Fail(id string, cause error, permanent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || op.Status != InFlight {
		return
	}
	if op.Cancelling {
		q.removeCancelledLocked(op)
		return
	}
	if op.ackBuffered {
		// A late ack for an earlier transmission already arrived.
		op.Status = Pending
		return
	}

	op.Attempts++
	op.LastError = cause.Error()
	if permanent || op.Attempts >= q.opts.MaxRetries {
		op.Status = Failed
		op.NextAttemptAt = time.Time{}
		q.persistLocked(op)
		q.logger.Warn("operation failed",
			zap.String("operation_id", op.ID),
			zap.String("chat_id", op.ChatID),
			zap.Int("attempts", op.Attempts),
			zap.Bool("permanent", permanent),
			zap.Error(cause))
		q.statusChangedLocked(op)
		q.publish(bus.OperationFailed, bus.ErrorPayload{
			OperationID: op.ID,
			ErrorKind:   string(errs.OperationFailed),
			Message:     op.LastError,
		})
		// Later operations of the chat are no longer held back.
		q.flushLocked(op.ChatID)
		q.signal()
		return
	}

	op.Status = Pending
	op.NextAttemptAt = q.now().Add(q.opts.Retry.Delay(op.Attempts))
	q.persistLocked(op)
	q.logger.Info("operation will be retried",
		zap.String("operation_id", op.ID),
		zap.Int("attempts", op.Attempts),
		zap.Time("next_attempt_at", op.NextAttemptAt),
		zap.Error(cause))
	q.statusChangedLocked(op)
}

// Release puts an in-flight operation back to pending without counting an
// attempt. Used when the connection went away mid-transmission.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || op.Status != InFlight {
		return
	}
	if op.Cancelling {
		q.removeCancelledLocked(op)
		return
	}
	op.Status = Pending
	q.persistLocked(op)
	q.statusChangedLocked(op)
	q.signal()
}

// ReleaseAll puts every in-flight operation back to pending.
func (q *Queue) ReleaseAll() {
	q.mu.Lock()
	var ids []string
	for id, op := range q.ops {
		if op.Status == InFlight {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()
	for _, id := range ids {
		q.Release(id)
	}
}

// Cancel removes a pending or failed operation. An in-flight operation is
// marked cancelling and removed once its result arrives.
func (q *Queue) Cancel(id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	if op.Status == InFlight {
		op.Cancelling = true
		q.persistLocked(op)
		q.logger.Info("operation marked cancelling", zap.String("operation_id", id))
		return *op, nil
	}
	q.removeCancelledLocked(op)
	return *op, nil
}

func (q *Queue) removeCancelledLocked(op *Operation) {
	delete(q.ops, op.ID)
	q.deleteLocked(op.ID)
	q.logger.Info("operation cancelled", zap.String("operation_id", op.ID))
	q.publish(bus.OperationStatusChanged, bus.OperationStatusPayload{
		OperationID: op.ID, ChatID: op.ChatID, Status: "cancelled", Attempts: op.Attempts,
	})
	q.flushLocked(op.ChatID)
	q.signal()
}

// Retry moves a failed operation back to pending with a fresh attempt
// budget, behind everything queued so far.
func (q *Queue) Retry(id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}
	if op.Status != Failed {
		return Operation{}, fmt.Errorf("retry %s (%s): %w", id, op.Status, ErrNotFailed)
	}
	op.Status = Pending
	op.Attempts = 0
	op.LastError = ""
	op.NextAttemptAt = time.Time{}
	op.Seq = q.nextSeq
	q.nextSeq++
	q.persistLocked(op)
	q.logger.Info("operation retried", zap.String("operation_id", id), zap.Uint64("seq", op.Seq))
	q.statusChangedLocked(op)
	q.signal()
	return *op, nil
}

// Get returns a copy of the operation with the given id.
func (q *Queue) Get(id string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// List returns copies of all operations in sequence order, optionally
// restricted to one chat.
func (q *Queue) List(chatID string) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, 0, len(q.ops))
	for _, op := range q.ops {
		if chatID == "" || op.ChatID == chatID {
			out = append(out, *op)
		}
	}
	slices.SortFunc(out, func(a, b Operation) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Counts returns the number of operations per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[Status]int{Pending: 0, InFlight: 0, Failed: 0}
	for _, op := range q.ops {
		counts[op.Status]++
	}
	return counts
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) persistLocked(op *Operation) {
	data, err := json.Marshal(op)
	if err != nil {
		q.logger.Error("encode operation", zap.String("operation_id", op.ID), zap.Error(err))
		return
	}
	if err := q.store.Put(keyPrefix+op.ID, data); err != nil {
		q.degraded(op.ID, err)
	}
}

func (q *Queue) deleteLocked(id string) {
	if err := q.store.Delete(keyPrefix + id); err != nil {
		q.degraded(id, err)
	}
}

func (q *Queue) degraded(id string, err error) {
	q.logger.Warn("outbox persistence failed, operation kept in memory only",
		zap.String("operation_id", id), zap.Error(err))
	q.publish(bus.StorageDegraded, bus.ErrorPayload{
		OperationID: id,
		ErrorKind:   string(errs.Storage),
		Message:     err.Error(),
	})
}

func (q *Queue) statusChangedLocked(op *Operation) {
	q.publish(bus.OperationStatusChanged, bus.OperationStatusPayload{
		OperationID: op.ID,
		ChatID:      op.ChatID,
		Status:      string(op.Status),
		Attempts:    op.Attempts,
	})
}

func (q *Queue) publish(kind bus.Kind, payload any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{Kind: kind, Timestamp: q.now(), Payload: payload})
}
