// Package eventbus fans call lifecycle events out to in-process subscribers.
package eventbus

import (
	"log/slog"
	"sync"
)

// Kind identifies a call lifecycle event.
type Kind string

const (
	KindIncomingCall  Kind = "incoming-call"
	KindCallConnected Kind = "call-connected"
	KindCallEnded     Kind = "call-ended"
	KindRemoteTrack   Kind = "remote-track"
)

// Event is one lifecycle notification. Reason is set only for KindCallEnded,
// TrackKind only for KindRemoteTrack.
type Event struct {
	Kind      Kind
	RoomID    string
	SessionID string
	PeerID    string
	Reason    string
	TrackKind string
}

// Bus delivers events to subscribers without ever blocking the publisher.
// Each subscriber gets a buffered channel; when a subscriber falls behind
// and its buffer fills, new events for it are dropped and counted.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped uint64
	closed  bool

	logger *slog.Logger
}

const subscriberBuffer = 16

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. Cancel is idempotent and closes the channel, so receivers can
// range over it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber. It never blocks: a full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			b.logger.Warn("dropping call event for slow subscriber",
				"kind", ev.Kind, "session", ev.SessionID)
		}
	}
}

// Dropped reports how many events were discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close unregisters and closes all subscriber channels. Publish and
// Subscribe become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
