package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Each daemon owns exactly one Bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
	logger  *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
	q         *queue
}

// queue is an unbounded FIFO between Publish and one consumer goroutine.
type queue struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued or done is closed.
func (q *queue) pop(done <-chan struct{}) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			evt := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return evt, true
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
		case <-done:
			return Event{}, false
		}
	}
}

// New creates a new event bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// evt.Kind. Publishing never blocks: a full Subscribe channel misses the
// event and the drop is counted and logged. Queued subscribers and On
// handlers never miss events.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(string(evt.Kind), sub.namespace) {
			if sub.q != nil {
				sub.q.push(evt)
				continue
			}
			select {
			case sub.ch <- evt:
			default:
				b.dropped.Add(1)
				b.logger.Warn("event dropped, subscriber full",
					zap.String("kind", string(evt.Kind)),
					zap.String("namespace", sub.namespace))
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	return ch, b.add(&subscription{namespace: namespace, ch: ch})
}

// SubscribeQueued is Subscribe without a buffer limit: events wait in an
// unbounded queue until the consumer reads them, so none are dropped.
func (b *Bus) SubscribeQueued(namespace string) (<-chan Event, func()) {
	q := newQueue()
	ch := make(chan Event)
	done := make(chan struct{})
	unsub := b.add(&subscription{namespace: namespace, q: q})
	go func() {
		for {
			evt, ok := q.pop(done)
			if !ok {
				return
			}
			select {
			case ch <- evt:
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// On calls handler for every event whose kind matches exactly. Handlers run
// on a dedicated goroutine, in publish order, and a slow handler only grows
// its own queue. The returned function removes the handler; it is safe to
// call more than once.
func (b *Bus) On(kind Kind, handler func(Event)) (off func()) {
	q := newQueue()
	unsub := b.add(&subscription{namespace: string(kind), q: q})
	done := make(chan struct{})
	go func() {
		for {
			evt, ok := q.pop(done)
			if !ok {
				return
			}
			if evt.Kind == kind {
				handler(evt)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// Dropped returns the number of events dropped because a Subscribe channel
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
