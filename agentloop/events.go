package agentloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventStatusChanged EventKind = "status_changed"
	EventTurnAppended  EventKind = "turn_appended"
)

// Event is published once per status transition and once per appended turn.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	From      Status    `json:"from,omitempty"`
	Status    Status    `json:"status"`
	Turn      *Turn     `json:"turn,omitempty"`
	Failure   *Failure  `json:"failure,omitempty"`
}

// Observer receives session events. OnEvent is called synchronously by the
// session while it holds its lock, so implementations must return quickly
// and must not call back into the session.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type multiObserver []Observer

func (m multiObserver) OnEvent(e Event) {
	for _, o := range m {
		o.OnEvent(e)
	}
}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

type subscriber struct {
	sessionID string
	ch        chan Event
}

// Broadcaster is an Observer that delivers events to channel subscribers.
// A subscriber whose buffer is full misses the event; the publisher never
// blocks.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Int64
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber. An empty sessionID receives every
// session's events. The returned function unsubscribes and closes the
// channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(sessionID string, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	sub := &subscriber{sessionID: sessionID, ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// OnEvent publishes e to every matching subscriber.
func (b *Broadcaster) OnEvent(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != e.SessionID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were discarded because a subscriber was
// not keeping up.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
