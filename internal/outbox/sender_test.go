package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatq/internal/backoff"
	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/errs"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/matheus3301/chatq/internal/store"
	"github.com/matheus3301/chatq/internal/transport"
	"go.uber.org/zap"
)

// fakeLink records transmissions and answers them with respond.
type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	requests     []transport.Request
	respond      func(ctx context.Context, req transport.Request) (transport.Ack, error)
	invalidated  int
	authRejected int
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeLink) Emit(ctx context.Context, req transport.Request) (transport.Ack, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return transport.Ack{OperationID: req.ID, ServerID: "srv-" + req.ID, OK: true}, nil
	}
	return respond(ctx, req)
}

func (f *fakeLink) CSRFToken(context.Context) (string, error) { return "csrf", nil }

func (f *fakeLink) InvalidateCSRF() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func (f *fakeLink) AuthRejected(error) {
	f.mu.Lock()
	f.authRejected++
	f.mu.Unlock()
}

func (f *fakeLink) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.requests))
	for i, r := range f.requests {
		ids[i] = r.ID
	}
	return ids
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var fastRetry = backoff.Policy{Base: 5 * time.Millisecond, Multiplier: 2, Cap: 20 * time.Millisecond}

func newTestQueue(t *testing.T, b *bus.Bus, maxRetries int) (*Queue, *store.DB) {
	t.Helper()
	db := testDB(t)
	return NewQueue(db, b, Options{MaxRetries: maxRetries, Retry: fastRetry}, zap.NewNop()), db
}

func message(id, chat, content string) Operation {
	payload, _ := json.Marshal(map[string]string{"content": content})
	return Operation{ID: id, Kind: SendMessage, ChatID: chat, Payload: payload}
}

func startSender(t *testing.T, q *Queue, link *fakeLink, b *bus.Bus) *Sender {
	t.Helper()
	s := NewSender(q, link, b, SenderOptions{Concurrency: 4, AckTimeout: 50 * time.Millisecond, Tick: 10 * time.Millisecond}, zap.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func collectAcks(ch <-chan bus.Event, n int, t *testing.T) []string {
	t.Helper()
	var ids []string
	for len(ids) < n {
		select {
		case evt := <-ch:
			ids = append(ids, evt.Payload.(bus.AckPayload).OperationID)
		case <-time.After(3 * time.Second):
			t.Fatalf("got %d acks, want %d", len(ids), n)
		}
	}
	return ids
}

func TestEnqueueRejectsInvalidOperations(t *testing.T) {
	q, _ := newTestQueue(t, bus.New(nil), 3)

	tests := []struct {
		name string
		op   Operation
	}{
		{"unknown kind", Operation{Kind: "poke", ChatID: "c1"}},
		{"missing chat", message("", "", "hi")},
		{"empty content", message("", "c1", "")},
		{"payload not object", Operation{Kind: SendMessage, ChatID: "c1", Payload: json.RawMessage(`[1]`)}},
		{"react without emoji", Operation{Kind: ReactToMessage, ChatID: "c1", Payload: json.RawMessage(`{"target_id":"m1"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := q.Enqueue(tt.op)
			if !errs.Is(err, errs.Validation) {
				t.Fatalf("got %v, want validation error", err)
			}
		})
	}
	if q.Len() != 0 {
		t.Fatalf("invalid operations were queued: %d", q.Len())
	}
}

func TestEnqueueTakesChatFromPayload(t *testing.T) {
	q, _ := newTestQueue(t, bus.New(nil), 3)
	id, created, err := q.Enqueue(Operation{Kind: MarkRead, Payload: json.RawMessage(`{"chat_id":"c9"}`)})
	if err != nil || !created {
		t.Fatalf("enqueue: %v created=%v", err, created)
	}
	op, _ := q.Get(id)
	if op.ChatID != "c9" {
		t.Fatalf("chat id = %q, want c9", op.ChatID)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
}

// Three messages queued offline are delivered in order once
// the connection comes up.
func TestOfflineQueueDrainsInOrderWhenOnline(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 3)
	link := &fakeLink{}
	acks, unsub := b.Subscribe(string(bus.MessageReceived), 16)
	defer unsub()

	startSender(t, q, link, b)
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, _, err := q.Enqueue(message(id, "C1", "hello "+id)); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	ops := q.List("C1")
	if len(ops) != 3 {
		t.Fatalf("got %d queued, want 3", len(ops))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if ops[i].ID != want || ops[i].Status != Pending {
			t.Fatalf("op %d = %s/%s, want %s/pending", i, ops[i].ID, ops[i].Status, want)
		}
	}
	if len(link.sent()) != 0 {
		t.Fatal("sent while offline")
	}

	link.setConnected(true)
	b.Publish(bus.Event{Kind: bus.StateChanged, Payload: status.StatusChange{Previous: status.Connecting, Current: status.Online}})

	got := collectAcks(acks, 3, t)
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i] != want {
			t.Fatalf("ack order = %v", got)
		}
	}
	waitFor(t, "empty queue", func() bool { return q.Len() == 0 })
	sent := link.sent()
	if len(sent) != 3 || sent[0] != "m1" || sent[1] != "m2" || sent[2] != "m3" {
		t.Fatalf("send order = %v", sent)
	}
}

// A double submit of the same id transmits once.
func TestDuplicateEnqueueSendsOnce(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 3)
	link := &fakeLink{connected: true}
	acks, unsub := b.Subscribe(string(bus.MessageReceived), 4)
	defer unsub()

	id1, created1, err := q.Enqueue(message("m1", "C1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	id2, created2, err := q.Enqueue(message("m1", "C1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 || !created1 || created2 {
		t.Fatalf("ids %s/%s created %v/%v", id1, id2, created1, created2)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length %d, want 1", q.Len())
	}

	startSender(t, q, link, b)
	collectAcks(acks, 1, t)
	time.Sleep(50 * time.Millisecond)
	if n := len(link.sent()); n != 1 {
		t.Fatalf("transmissions = %d, want 1", n)
	}
}

func TestAcksAppliedInEnqueueOrder(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 3)
	acks, unsub := b.Subscribe(string(bus.MessageReceived), 8)
	defer unsub()

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := q.Enqueue(message(id, "C1", id)); err != nil {
			t.Fatal(err)
		}
	}
	if op, ok := q.Claim(); !ok || op.ID != "a" {
		t.Fatalf("claimed %v %v, want a", op.ID, ok)
	}
	if _, ok := q.Claim(); ok {
		t.Fatal("second operation of the same chat claimed while first in flight")
	}

	// Server pushes acks for c and b before a.
	q.Ack("c", "srv-c")
	q.Ack("b", "srv-b")
	select {
	case evt := <-acks:
		t.Fatalf("ack applied out of order: %v", evt.Payload)
	case <-time.After(20 * time.Millisecond):
	}

	q.Ack("a", "srv-a")
	got := collectAcks(acks, 3, t)
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("applied order = %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue length %d", q.Len())
	}
}

func TestBufferedAckReleasedByFailure(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 1)
	acks, unsub := b.Subscribe(string(bus.MessageReceived), 8)
	defer unsub()

	q.Enqueue(message("a", "C1", "a"))
	q.Enqueue(message("b", "C1", "b"))
	q.Claim()
	q.Ack("b", "srv-b")
	q.Fail("a", errors.New("boom"), false)

	got := collectAcks(acks, 1, t)
	if got[0] != "b" {
		t.Fatalf("applied %v", got)
	}
	op, ok := q.Get("a")
	if !ok || op.Status != Failed {
		t.Fatalf("a = %+v, want failed", op)
	}
}

func TestOtherChatsProceedWhileOneIsBlocked(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 3)
	release := make(chan struct{})
	link := &fakeLink{connected: true, respond: func(ctx context.Context, req transport.Request) (transport.Ack, error) {
		if req.ID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return transport.Ack{}, transport.ErrAckTimeout
			}
		}
		return transport.Ack{OperationID: req.ID, ServerID: "srv", OK: true}, nil
	}}
	s := NewSender(q, link, b, SenderOptions{Concurrency: 2, AckTimeout: 5 * time.Second, Tick: 10 * time.Millisecond}, nil)
	s.Start(context.Background())
	defer s.Stop()
	defer close(release)

	q.Enqueue(message("slow", "A", "x"))
	q.Enqueue(message("a2", "A", "x"))
	q.Enqueue(message("b1", "B", "x"))

	waitFor(t, "chat B delivered", func() bool { _, ok := q.Get("b1"); return !ok })
	if op, _ := q.Get("a2"); op.Status != Pending {
		t.Fatalf("a2 status %s while head in flight", op.Status)
	}
}

// An operation that keeps failing ends Failed after MaxRetries and is not
// sent again until retried by hand.
func TestRetryCeiling(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 3)
	failures, unsub := b.Subscribe(string(bus.OperationFailed), 4)
	defer unsub()
	link := &fakeLink{connected: true, respond: func(_ context.Context, req transport.Request) (transport.Ack, error) {
		return transport.Ack{OperationID: req.ID, OK: false, Code: transport.CodeInternal, Message: "db down"}, nil
	}}
	startSender(t, q, link, b)

	q.Enqueue(message("m1", "C1", "hi"))

	select {
	case evt := <-failures:
		p := evt.Payload.(bus.ErrorPayload)
		if p.OperationID != "m1" || p.ErrorKind != string(errs.OperationFailed) {
			t.Fatalf("failure payload %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("operation never failed")
	}
	op, _ := q.Get("m1")
	if op.Status != Failed || op.Attempts != 3 {
		t.Fatalf("op = %s after %d attempts", op.Status, op.Attempts)
	}

	sent := len(link.sent())
	time.Sleep(100 * time.Millisecond)
	if len(link.sent()) != sent {
		t.Fatal("failed operation was retried automatically")
	}

	link.mu.Lock()
	link.respond = nil
	link.mu.Unlock()
	if _, err := q.Retry("m1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retried operation delivered", func() bool { return q.Len() == 0 })
}

func TestValidationRejectionFailsImmediately(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 5)
	link := &fakeLink{connected: true, respond: func(_ context.Context, req transport.Request) (transport.Ack, error) {
		return transport.Ack{OperationID: req.ID, Code: transport.CodeValidation, Message: "too long"}, nil
	}}
	startSender(t, q, link, b)

	q.Enqueue(message("m1", "C1", "hi"))
	waitFor(t, "failure", func() bool { op, _ := q.Get("m1"); return op.Status == Failed })
	if op, _ := q.Get("m1"); op.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", op.Attempts)
	}
}

func TestCSRFRejectionInvalidatesToken(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 5)
	var calls int
	link := &fakeLink{connected: true}
	link.respond = func(_ context.Context, req transport.Request) (transport.Ack, error) {
		calls++
		if calls == 1 {
			return transport.Ack{OperationID: req.ID, Code: transport.CodeCSRFInvalid}, nil
		}
		return transport.Ack{OperationID: req.ID, ServerID: "s", OK: true}, nil
	}
	startSender(t, q, link, b)

	q.Enqueue(message("m1", "C1", "hi"))
	waitFor(t, "delivery", func() bool { return q.Len() == 0 })
	link.mu.Lock()
	defer link.mu.Unlock()
	if link.invalidated != 1 {
		t.Fatalf("invalidated %d times", link.invalidated)
	}
}

func TestAckTimeoutCountsAttempt(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 5)
	link := &fakeLink{connected: true, respond: func(ctx context.Context, req transport.Request) (transport.Ack, error) {
		<-ctx.Done()
		return transport.Ack{}, transport.ErrAckTimeout
	}}
	startSender(t, q, link, b)

	q.Enqueue(message("m1", "C1", "hi"))
	waitFor(t, "attempt recorded", func() bool { op, _ := q.Get("m1"); return op.Attempts >= 1 })
	op, _ := q.Get("m1")
	if op.Status == Failed {
		t.Fatalf("failed after %d attempts", op.Attempts)
	}
}

func TestConnectionLossDoesNotCountAttempt(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 5)
	link := &fakeLink{connected: true}
	link.respond = func(_ context.Context, req transport.Request) (transport.Ack, error) {
		link.mu.Lock()
		link.connected = false
		link.mu.Unlock()
		return transport.Ack{}, transport.ErrClosed
	}
	startSender(t, q, link, b)

	q.Enqueue(message("m1", "C1", "hi"))
	waitFor(t, "transmission", func() bool { return len(link.sent()) == 1 })
	waitFor(t, "requeue", func() bool { op, _ := q.Get("m1"); return op.Status == Pending })
	if op, _ := q.Get("m1"); op.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", op.Attempts)
	}
}

func TestLateAckAppliedThroughHandleAck(t *testing.T) {
	b := bus.New(nil)
	q, _ := newTestQueue(t, b, 5)
	s := NewSender(q, &fakeLink{}, b, SenderOptions{}, nil)

	q.Enqueue(message("m1", "C1", "hi"))
	q.Claim()
	q.Fail("m1", transport.ErrAckTimeout, false)

	s.HandleAck(transport.Ack{OperationID: "m1", ServerID: "srv-m1", OK: true})
	if q.Len() != 0 {
		t.Fatal("late ack not applied")
	}
}

func TestCancel(t *testing.T) {
	b := bus.New(nil)
	q, db := newTestQueue(t, b, 5)

	q.Enqueue(message("p", "C1", "x"))
	q.Enqueue(message("f", "C2", "x"))
	if _, err := q.Cancel("p"); err != nil {
		t.Fatal(err)
	}
	if _, ok := q.Get("p"); ok {
		t.Fatal("pending operation not removed")
	}
	if _, found, _ := db.Get(keyPrefix + "p"); found {
		t.Fatal("cancelled operation still stored")
	}

	op, _ := q.Claim()
	if op.ID != "f" {
		t.Fatalf("claimed %s", op.ID)
	}
	got, err := q.Cancel("f")
	if err != nil || !got.Cancelling {
		t.Fatalf("cancel in flight: %v %+v", err, got)
	}
	if _, ok := q.Get("f"); !ok {
		t.Fatal("in-flight operation removed before its result")
	}
	q.Ack("f", "srv-f")
	if _, ok := q.Get("f"); ok {
		t.Fatal("cancelled operation kept after its ack")
	}

	if _, err := q.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRetryRequiresFailed(t *testing.T) {
	q, _ := newTestQueue(t, bus.New(nil), 1)
	q.Enqueue(message("a", "C1", "x"))
	q.Enqueue(message("b", "C1", "x"))
	if _, err := q.Retry("a"); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("got %v, want ErrNotFailed", err)
	}

	q.Claim()
	q.Fail("a", errors.New("boom"), false)
	op, err := q.Retry("a")
	if err != nil {
		t.Fatal(err)
	}
	if op.Attempts != 0 || op.Status != Pending {
		t.Fatalf("retried op %+v", op)
	}
	b, _ := q.Get("b")
	if op.Seq <= b.Seq {
		t.Fatalf("retried op seq %d not behind %d", op.Seq, b.Seq)
	}
}

// Queue contents survive a restart: in-flight operations come back as
// pending, failed ones stay failed.
func TestReloadAfterRestart(t *testing.T) {
	db := testDB(t)
	q := NewQueue(db, nil, Options{MaxRetries: 1, Retry: fastRetry}, nil)
	q.Enqueue(message("a", "C1", "x"))
	q.Enqueue(message("b", "C2", "x"))
	q.Enqueue(message("c", "C1", "x"))
	q.Claim()                                 // a in flight
	q.Claim()                                 // b in flight
	q.Fail("b", errors.New("rejected"), true) // b failed

	reloaded := NewQueue(db, nil, Options{MaxRetries: 1, Retry: fastRetry}, nil)
	n, err := reloaded.Load()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("loaded %d, want 3", n)
	}
	want := map[string]Status{"a": Pending, "b": Failed, "c": Pending}
	for _, op := range reloaded.List("") {
		if want[op.ID] != op.Status {
			t.Errorf("%s = %s, want %s", op.ID, op.Status, want[op.ID])
		}
	}

	id, created, _ := reloaded.Enqueue(message("d", "C1", "x"))
	d, _ := reloaded.Get(id)
	c, _ := reloaded.Get("c")
	if !created || d.Seq <= c.Seq {
		t.Fatalf("sequence not continued: c=%d d=%d", c.Seq, d.Seq)
	}
	if _, created, _ := reloaded.Enqueue(message("a", "C1", "x")); created {
		t.Fatal("reloaded id accepted twice")
	}
}

type brokenStore struct{}

func (brokenStore) Put(string, []byte) error {
	return errs.New(errs.Storage, "put", errors.New("disk full"))
}
func (brokenStore) Delete(string) error {
	return errs.New(errs.Storage, "delete", errors.New("disk full"))
}
func (brokenStore) ListByPrefix(string) ([]store.Entry, error) {
	return nil, nil
}

func TestStorageFailureKeepsOperationInMemory(t *testing.T) {
	b := bus.New(nil)
	degraded, unsub := b.Subscribe(string(bus.StorageDegraded), 4)
	defer unsub()
	q := NewQueue(brokenStore{}, b, Options{}, nil)

	id, created, err := q.Enqueue(message("m1", "C1", "x"))
	if err != nil || !created || id != "m1" {
		t.Fatalf("enqueue: %s %v %v", id, created, err)
	}
	if q.Len() != 1 {
		t.Fatal("operation lost")
	}
	select {
	case evt := <-degraded:
		if p := evt.Payload.(bus.ErrorPayload); p.ErrorKind != string(errs.Storage) {
			t.Fatalf("payload %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no storage.degraded event")
	}
}
