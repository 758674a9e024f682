package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of monitor event. The values double as the
// push-protocol frame types, so renaming one is a wire change.
type EventType string

const (
	EventTradeUpdate   EventType = "TRADE_UPDATE"
	EventBalanceUpdate EventType = "BALANCE_UPDATE"
	EventPnlUpdate     EventType = "PNL_UPDATE"
)

// Event is one monitor emission for a single wallet.
type Event struct {
	Type      EventType   `json:"type"`
	Wallet    string      `json:"wallet"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscriber handles events. Dispatch is synchronous: a subscriber that can
// block must hand the event off to its own queue and return.
type Subscriber func(Event)

// EventBus is a typed publish/subscribe bus. Events for one wallet are
// delivered to each subscriber in publish order; delivery order across
// subscribers follows registration order.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish delivers an event to every matching subscriber before returning.
// Inline delivery is what preserves per-wallet ordering end to end.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		sub(event)
	}
}

// PublishTrade publishes a trade update for a wallet
func (eb *EventBus) PublishTrade(wallet string, trade interface{}) {
	eb.Publish(Event{
		Type:   EventTradeUpdate,
		Wallet: wallet,
		Data:   trade,
	})
}

// PublishBalance publishes a balance update for a wallet
func (eb *EventBus) PublishBalance(wallet string, balance interface{}) {
	eb.Publish(Event{
		Type:   EventBalanceUpdate,
		Wallet: wallet,
		Data:   balance,
	})
}

// PublishPnl publishes a daily PnL snapshot for a wallet
func (eb *EventBus) PublishPnl(wallet string, snapshot interface{}) {
	eb.Publish(Event{
		Type:   EventPnlUpdate,
		Wallet: wallet,
		Data:   snapshot,
	})
}
