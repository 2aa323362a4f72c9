// Package bus is the in-process notification channel that lets the session
// transition service invalidate list views it has no reference to.
//
// Events carry no payload. Delivery is synchronous, in registration order,
// at most once per listener per publish, and only to listeners registered
// when the event is dispatched; nothing is kept for later subscribers.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event names a session-state invalidation.
type Event string

const (
	ActiveSessionsChanged    Event = "updateActiveSessions"
	CancelledSessionsChanged Event = "updateCancelledSessions"
	CompletedSessionsChanged Event = "updateCompletedSessions"
)

// Events lists every known event.
var Events = []Event{ActiveSessionsChanged, CancelledSessionsChanged, CompletedSessionsChanged}

// Known reports whether e is one of the declared events.
func Known(e Event) bool {
	for _, k := range Events {
		if k == e {
			return true
		}
	}
	return false
}

// maxCascade bounds how many rounds of publishes queued from inside
// listeners a single dispatch will drain.
const maxCascade = 32

// Listener is invoked on the publishing goroutine.
type Listener func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus      *Bus
	event    Event
	id       uint64
	listener Listener
}

// Unsubscribe removes the listener. It is safe to call more than once and
// from inside a listener; a removed listener is never invoked again, even by
// a dispatch already in progress.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.Mutex
	listeners   map[Event][]*Subscription
	live        map[uint64]bool
	nextID      uint64
	dispatching bool
	pending     []Event
	log         logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		listeners: make(map[Event][]*Subscription),
		live:      make(map[uint64]bool),
		log:       log,
	}
}

// Subscribe registers listener for event.
func (b *Bus) Subscribe(event Event, listener Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, event: event, id: b.nextID, listener: listener}
	b.listeners[event] = append(b.listeners[event], sub)
	b.live[sub.id] = true
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live[sub.id] {
		return
	}
	delete(b.live, sub.id)
	subs := b.listeners[sub.event]
	for i, s := range subs {
		if s.id == sub.id {
			b.listeners[sub.event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.listeners[sub.event]) == 0 {
		delete(b.listeners, sub.event)
	}
}

// ListenerCount returns the number of live listeners for event.
func (b *Bus) ListenerCount(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// Publish delivers event to every current listener before returning. If a
// dispatch is already running (a listener published, or another goroutine
// is mid-dispatch) the event is queued and delivered by that dispatcher
// right after its current fan-out. Identical queued events coalesce.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.dispatching {
		b.enqueueLocked(event)
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.pending = []Event{event}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.dispatching = false
		b.pending = nil
		b.mu.Unlock()
	}()

	for round := 0; ; round++ {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		if round >= maxCascade {
			dropped := b.pending
			b.mu.Unlock()
			b.log.WithField("dropped", dropped).Warn("bus: publish cascade limit reached")
			return
		}
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		for _, e := range batch {
			b.dispatch(e)
		}
	}
}

func (b *Bus) enqueueLocked(event Event) {
	for _, e := range b.pending {
		if e == event {
			return
		}
	}
	b.pending = append(b.pending, event)
}

func (b *Bus) dispatch(event Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.listeners[event]))
	copy(subs, b.listeners[event])
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"event": string(event), "listeners": len(subs)}).Debug("bus: publish")
	for _, sub := range subs {
		b.mu.Lock()
		alive := b.live[sub.id]
		b.mu.Unlock()
		if alive {
			sub.listener(event)
		}
	}
}
