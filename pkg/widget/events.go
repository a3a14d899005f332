package widget

import (
	"sync"

	"github.com/cskr/pubsub"
)

// EventKind names what changed.
type EventKind string

const (
	EventState    EventKind = "state"
	EventMessages EventKind = "messages"
	EventTyping   EventKind = "typing"
	EventAgent    EventKind = "agent"
	EventBanner   EventKind = "banner"
	EventReload   EventKind = "reload"
)

var allKinds = []EventKind{EventState, EventMessages, EventTyping, EventAgent, EventBanner, EventReload}

// Event is delivered to subscribers after every change. View is the widget
// state right after the change.
type Event struct {
	Kind EventKind
	View View
	// File is set for EventReload.
	File string
}

// eventBus wraps a pubsub.PubSub so that publishing after shutdown is a no-op.
// A subscriber that stops reading holds up publishers once its buffer fills,
// until it cancels or the bus shuts down.
type eventBus struct {
	mu       sync.RWMutex
	ps       *pubsub.PubSub
	buffer   int
	closed   bool
	quit     chan struct{}
	quitOnce sync.Once
}

func newEventBus(buffer int) *eventBus {
	return &eventBus{ps: pubsub.New(buffer), buffer: buffer, quit: make(chan struct{})}
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(ev, string(ev.Kind))
}

// subscribe returns a typed channel of events. The channel is closed after
// cancel is called or the bus shuts down.
func (b *eventBus) subscribe(kinds ...EventKind) (<-chan Event, func()) {
	if len(kinds) == 0 {
		kinds = allKinds
	}
	topics := make([]string, len(kinds))
	for i, k := range kinds {
		topics[i] = string(k)
	}

	out := make(chan Event, b.buffer)
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		close(out)
		return out, func() {}
	}
	raw := b.ps.Sub(topics...)
	b.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(out)
		for v := range raw {
			ev, ok := v.(Event)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-done:
				// Keep draining until pubsub closes raw.
			case <-b.quit:
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.RLock()
			defer b.mu.RUnlock()
			if !b.closed {
				b.ps.Unsub(raw, topics...)
			}
		})
	}
	return out, cancel
}

// shutdown publishes final, if any, and closes every subscriber channel.
// Once quit is closed, pumps only deliver into free buffer space, so
// publishers blocked on a subscriber that stopped reading return and the
// write lock can be taken.
func (b *eventBus) shutdown(final ...Event) {
	b.quitOnce.Do(func() { close(b.quit) })
	for _, ev := range final {
		b.publish(ev)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
