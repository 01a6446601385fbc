// Package events provides a publish/subscribe event bus for operational
// observability of the client core. Events flow from the connection state
// machine, the reconnect scheduler, and the dispatch loop to subscribers
// (application loggers, metrics collectors, CLI status lines). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do not
// need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnection identifies events from the connection state machine.
	SourceConnection = "connection"
	// SourceReconnect identifies events from the reconnect scheduler.
	SourceReconnect = "reconnect"
	// SourceDispatch identifies events from incoming-envelope dispatch.
	SourceDispatch = "dispatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnecting signals a Connect() call has begun opening a socket.
	// Data: url.
	KindConnecting = "connecting"
	// KindOpen signals a socket transitioned to the open/active state.
	// Data: url, generation.
	KindOpen = "open"
	// KindSocketError signals a transport-level error.
	// Data: generation, error.
	KindSocketError = "socket_error"
	// KindSocketClose signals the transport closed.
	// Data: generation, manual.
	KindSocketClose = "socket_close"
	// KindManualClose signals Close() was called by the application.
	KindManualClose = "manual_close"

	// KindReconnectScheduled signals a reconnect timer was armed.
	// Data: attempt, reason. The computed delay and the triggering
	// error are not included.
	KindReconnectScheduled = "reconnect_scheduled"
	// KindReconnectAttempt signals the armed timer fired and a new
	// connection attempt is starting.
	// Data: attempt.
	KindReconnectAttempt = "reconnect_attempt"

	// KindEnvelopeDropped signals an incoming frame failed to decode or
	// carried no recognizable op/type discriminant.
	// Data: reason.
	KindEnvelopeDropped = "envelope_dropped"
	// KindDisconnectRejected signals a pending action or cancel was
	// failed because the transport closed while it was outstanding.
	// Data: kind, key.
	KindDisconnectRejected = "disconnect_rejected"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 32 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
