package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus fans engine events out to in-process subscribers. Delivery is
// best-effort: a subscriber that stops draining its channel loses events
// rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*sub
	nextID uint64
}

type sub struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*sub)}
}

// Publish delivers evt to every subscriber whose namespace prefix matches
// evt.Kind. An empty prefix matches everything.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener for event kinds starting with namespace
// (e.g. "message." or "sync."). The returned function removes the
// subscription; the channel is never closed, so pending reads stay valid.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	s := &sub{prefix: namespace, ch: make(chan Event, bufSize)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return s.ch, unsub
}

// Dropped reports how many events have been discarded across all current
// subscribers because their buffers were full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, s := range b.subs {
		n += s.dropped.Load()
	}
	return n
}
