package events

import (
	"sync"

	"github.com/graphreactor/core/pkg/logger"
)

// Listener receives events synchronously, on the same goroutine as the
// mutation that produced them.
type Listener func(Event)

// Unsubscribe detaches a previously registered listener.
type Unsubscribe func()

// Bus is a single-process, synchronous, in-order pub/sub dispatcher. A
// listener
// that panics is isolated (recovered and logged) and does not prevent
// delivery to the remaining listeners.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	entries  map[uint64]Listener
	order    []uint64
	log      *logger.Logger
}

// New creates an empty event bus.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("event-bus")
	}
	return &Bus{
		entries: make(map[uint64]Listener),
		log:     log,
	}
}

// Subscribe registers a listener and returns a handle to unsubscribe it.
func (b *Bus) Subscribe(fn Listener) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.entries[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.entries[id]; !ok {
			return
		}
		delete(b.entries, id)
		for i, entryID := range b.order {
			if entryID == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every currently registered listener, in
// registration order, isolating panics per listener.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		listeners = append(listeners, b.entries[id])
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		b.dispatchOne(fn, ev)
	}
}

func (b *Bus) dispatchOne(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("event_kind", ev.Kind).WithField("panic", r).
				Error("event listener panicked; isolated")
		}
	}()
	fn(ev)
}

// ListenerCount returns the number of currently registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear removes every registered listener.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[uint64]Listener)
	b.order = nil
}
