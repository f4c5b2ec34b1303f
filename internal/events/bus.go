package events

import (
	"sync"
	"time"
)

// EventType represents different types of in-process events
type EventType string

const (
	EventQuote             EventType = "QUOTE"
	EventTrade             EventType = "TRADE"
	EventDepth             EventType = "DEPTH"
	EventOrderFilled       EventType = "ORDER_FILLED"
	EventPositionUpdate    EventType = "POSITION_UPDATE"
	EventTradeExecuted     EventType = "TRADE_EXECUTED"
	EventAccountUpdate     EventType = "ACCOUNT_UPDATE"
	EventLockAcquired      EventType = "LOCK_ACQUIRED"
	EventLockReleased      EventType = "LOCK_RELEASED"
	EventLockForceReleased EventType = "LOCK_FORCE_RELEASED"
	EventHubConnected      EventType = "HUB_CONNECTED"
	EventHubDisconnected   EventType = "HUB_DISCONNECTED"
	EventStateChanged      EventType = "STATE_CHANGED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages in-process event publishing and subscriptions. It carries
// observability signals between subsystems (lock events, hub state, stream
// emissions) without going through the external message bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Run subscribers in goroutines to avoid blocking the publisher
	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishMarketEvent publishes a market data emission for local observers
func (b *Bus) PublishMarketEvent(eventType EventType, instrument string, data map[string]interface{}) {
	payload := map[string]interface{}{
		"instrument": instrument,
	}
	for k, v := range data {
		payload[k] = v
	}
	b.Publish(Event{Type: eventType, Data: payload})
}

// PublishLockEvent publishes a lock lifecycle event
func (b *Bus) PublishLockEvent(eventType EventType, name, holder string) {
	b.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"lock":   name,
			"holder": holder,
		},
	})
}

// PublishStateChange publishes a gateway connection-state transition
func (b *Bus) PublishStateChange(from, to string) {
	b.Publish(Event{
		Type: EventStateChanged,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
