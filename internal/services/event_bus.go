package services

import (
	"sync"

	"github.com/backtesting-org/channel-settlement/pkg/settlement"
)

// EventType represents the type of event
type EventType string

const (
	EventPositionFilled   EventType = settlement.EventPositionFilled
	EventPositionClosed   EventType = settlement.EventPositionClosed
	EventPayoutSent       EventType = settlement.EventPayoutSent
	EventSwapFilled       EventType = settlement.EventSwapFilled
	EventSwapSettled      EventType = settlement.EventSwapSettled
	EventSettlementFailed EventType = settlement.EventSettlementFailed
)

// Event represents a system event
type Event struct {
	Type EventType              `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers map[EventType][]chan Event
	all         []chan Event
	closed      bool
	mu          sync.RWMutex
}

var _ settlement.EventSink = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe creates a subscription to events of a specific type
func (eb *EventBus) Subscribe(eventType EventType, bufferSize int) <-chan Event {
	ch := make(chan Event, bufferSize)

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to every event type
func (eb *EventBus) SubscribeAll(bufferSize int) <-chan Event {
	ch := make(chan Event, bufferSize)

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		close(ch)
		return ch
	}
	eb.all = append(eb.all, ch)
	return ch
}

// Publish publishes an event to all subscribers. Full subscribers miss the event.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit publishes a settlement event
func (eb *EventBus) Emit(eventType string, data map[string]interface{}) {
	eb.Publish(Event{Type: EventType(eventType), Data: data})
}

// Unsubscribe removes a subscription
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscribers := eb.subscribers[eventType]
	for i, subscriber := range subscribers {
		if subscriber == ch {
			eb.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)
			close(subscriber)
			return
		}
	}
}

// Close closes all subscriber channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for eventType, subscribers := range eb.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
		delete(eb.subscribers, eventType)
	}
	for _, ch := range eb.all {
		close(ch)
	}
	eb.all = nil
}
