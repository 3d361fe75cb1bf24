// Package events provides a broadcast bus for change notifications.
// The MQTT connection manager and the feed pollers publish; the
// WebSocket stream subscribes so it can push a fresh snapshot as soon
// as something changes instead of waiting for its next tick. The bus is
// nil-safe: publishing on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMQTT identifies events from the MQTT connection manager.
	SourceMQTT = "mqtt"
	// SourceFeeds identifies events from the HTTP feed pollers.
	SourceFeeds = "feeds"
	// SourceWatch identifies events from the upstream service watchers.
	SourceWatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindDomainUpdated signals that a snapshot domain was written.
	// Data: domain, topic, fields.
	KindDomainUpdated = "domain_updated"
	// KindConnectionState signals a broker connection state change.
	// Data: state, previous.
	KindConnectionState = "connection_state"
	// KindFeedFailed signals a feed poll that produced no data.
	// Data: feed, error.
	KindFeedFailed = "feed_failed"
	// KindServiceState signals an upstream service becoming reachable
	// or unreachable. Data: service, ready, error.
	KindServiceState = "service_state"
)

// Event is a single notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking the publisher (the ingestion loop must never stall on a
// WebSocket client).
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to the caller back
	// to the channel stored in subs, so Unsubscribe can take <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends e to all subscribers without blocking.
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
		}
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must call Unsubscribe when done. On a nil bus it returns a
// nil channel, which never delivers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
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
