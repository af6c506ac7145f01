package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventCommitApplied    EventType = "commit.applied"
	EventFlowCreated      EventType = "flow.created"
	EventFlowDropped      EventType = "flow.dropped"
	EventWorkerStarted    EventType = "worker.started"
	EventWorkerStopped    EventType = "worker.stopped"
	EventRetentionRan     EventType = "retention.ran"
	EventCheckpointMoved  EventType = "checkpoint.moved"
	EventWatermarkAdvance EventType = "watermark.advanced"
)

// Event represents an engine event
type Event struct {
	Type      EventType
	Timestamp time.Time
	// Version carries the commit version for version-scoped events.
	Version uint64
	// FlowID carries the flow for flow-scoped events.
	FlowID uint64
	// Deltas is the number of key mutations for commit events.
	Deltas int
	// Consumer names the CDC consumer for checkpoint events.
	Consumer string
}

// Subscription receives a filtered slice of the engine's event stream.
// Version-scoped events arrive in publish order, which for commit events is
// commit order; a subscriber that cannot keep up loses events and sees the
// loss in Dropped rather than stalling a commit.
type Subscription struct {
	ch      chan *Event
	types   map[EventType]bool
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the broker shuts down.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Dropped reports how many events this subscriber missed because its buffer
// was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Broker distributes engine events to subscribers. Publish dispatches
// synchronously on the publisher's goroutine: commit events reach every
// subscriber in commit order without an intermediate relay that could
// reorder or delay them.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	closed bool
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]bool)}
}

// Subscribe creates a subscription limited to the given event types; with
// no types it receives everything. The buffer absorbs commit bursts up to
// the commit pipeline's own batching depth.
func (b *Broker) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{ch: make(chan *Event, 64)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = true
	return sub
}

// Unsubscribe cancels a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers an event to every interested subscriber. Never blocks:
// a full subscriber buffer counts the event as dropped for that subscriber.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close shuts the broker down and closes every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
