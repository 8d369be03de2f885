// Package events provides the in-process pub/sub bus used for observability:
// cycle reports, fills, replay job progress and tuning decisions.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleCompleted EventType = "CYCLE_COMPLETED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
	EventJobProgress    EventType = "JOB_PROGRESS"
	EventJobFinished    EventType = "JOB_FINISHED"
	EventTuningDecision EventType = "TUNING_DECISION"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
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

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishFill publishes an order filled event
func (b *Bus) PublishFill(symbol, side string, qty, price, realizedPnL float64) {
	b.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"symbol":       symbol,
			"side":         side,
			"qty":          qty,
			"price":        price,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishRejection publishes an order rejected event
func (b *Bus) PublishRejection(symbol, side, reason string) {
	b.Publish(Event{
		Type: EventOrderRejected,
		Data: map[string]interface{}{
			"symbol": symbol,
			"side":   side,
			"reason": reason,
		},
	})
}

// PublishCycleCompleted publishes a pipeline cycle summary event
func (b *Bus) PublishCycleCompleted(regime string, symbols, fills int, degraded bool) {
	b.Publish(Event{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"regime":   regime,
			"symbols":  symbols,
			"fills":    fills,
			"degraded": degraded,
		},
	})
}

// PublishJobProgress publishes a replay job progress event
func (b *Bus) PublishJobProgress(jobID, status string, progress float64) {
	b.Publish(Event{
		Type: EventJobProgress,
		Data: map[string]interface{}{
			"job_id":   jobID,
			"status":   status,
			"progress": progress,
		},
	})
}

// PublishJobFinished publishes a replay job terminal-state event
func (b *Bus) PublishJobFinished(jobID, status, errMsg string) {
	data := map[string]interface{}{
		"job_id": jobID,
		"status": status,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	b.Publish(Event{Type: EventJobFinished, Data: data})
}

// PublishTuningDecision publishes one attempted tuning change
func (b *Bus) PublishTuningDecision(botKey, regime, parameter string, applied bool, reason string) {
	b.Publish(Event{
		Type: EventTuningDecision,
		Data: map[string]interface{}{
			"bot_key":   botKey,
			"regime":    regime,
			"parameter": parameter,
			"applied":   applied,
			"reason":    reason,
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
