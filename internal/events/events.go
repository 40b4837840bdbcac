// Package events carries progress, status and log notifications from the
// installers and the gateway supervisor to whoever is listening.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event names.
const (
	RuntimeProgress = "node:progress"
	ToolProgress    = "openclaw:install-progress"
	GatewayStatus   = "gateway:status"
	GatewayLog      = "gateway:log"
	InstallFinished = "install:finished"
)

// Publisher is the fire-and-forget notification capability.
type Publisher interface {
	Publish(name string, payload any)
}

// Event is one published notification.
type Event struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(string, any) {}

// Func adapts a function to Publisher.
type Func func(name string, payload any)

func (f Func) Publish(name string, payload any) { f(name, payload) }

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and its drop counter grows.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	ch      chan Event
	filter  map[string]bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish implements Publisher.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload, At: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if len(s.filter) > 0 && !s.filter[name] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener with the given buffer size. When names is
// non-empty only those events are delivered. The returned cancel func
// unregisters and closes the channel.
func (b *Bus) Subscribe(buffer int, names ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(names) > 0 {
		s.filter = make(map[string]bool, len(names))
		for _, n := range names {
			s.filter[n] = true
		}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped sums events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, s := range b.subs {
		n += s.dropped.Load()
	}
	return n
}

// Subscribers reports the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
