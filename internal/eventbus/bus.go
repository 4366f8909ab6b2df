// Package eventbus is the in-process fanout bus that decouples the check
// cycle, the booking flow, the notifier and the task engine from their
// observers. The app mirrors bus traffic into the debug log; tests
// subscribe to assert on component behavior.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight in-memory signal. Publish never blocks, so
// subscribers get buffered channels and slow ones lose events rather
// than stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &hub{sinks: map[uint64]chan Event{}}
}

type hub struct {
	mu    sync.RWMutex
	seq   atomic.Uint64
	sinks map[uint64]chan Event
}

func (b *hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, ch := range b.snapshot() {
		offer(ch, e)
	}
}

// snapshot copies the sink list so sends happen without the lock held.
func (b *hub) snapshot() []chan Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]chan Event, 0, len(b.sinks))
	for _, ch := range b.sinks {
		out = append(out, ch)
	}
	return out
}

// offer delivers without blocking. A full sink drops the event; a sink
// closed by a concurrent unsubscribe is ignored via the recover.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.sinks[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.drop(id, ch) })
	}
}

func (b *hub) drop(id uint64, ch chan Event) {
	b.mu.Lock()
	delete(b.sinks, id)
	b.mu.Unlock()
	// Safe because offer recovers from sends on a closed channel.
	close(ch)
}
