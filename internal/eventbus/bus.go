package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal decoupling the capsule services from their
// observers (the /status command, operator tooling, tests).
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers drop events rather than stall a publisher.
//
// Type uses dotted names ("capsule.delivered", "capsule.requeued"); Data is
// the publisher's event payload and should stay small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish does
// all delivery inline.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot the subscriber set so delivery happens outside the lock.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// Non-blocking send; a concurrent unsubscribe may close the channel
		// under us, so the send panic is absorbed.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a buffered listener. The returned func removes it and
// closes the channel; it is safe to call more than once.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish absorbs send panics.
			close(ch)
		})
	}
	return ch, unsub
}
