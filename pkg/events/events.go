package events

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventStatusChanged   EventType = "deployment.status_changed"
	EventHealthAttempt   EventType = "deployment.health_attempt"
	EventTrafficSwitched EventType = "deployment.traffic_switched"
	EventSmokeResult     EventType = "deployment.smoke_result"
	EventFinished        EventType = "deployment.finished"
)

// Event represents a deployment lifecycle event
type Event struct {
	ID           string
	Type         EventType
	Timestamp    time.Time
	DeploymentID string
	Environment  string
	Message      string
	Metadata     map[string]string
}

// Handler receives published events
type Handler func(*Event)

// Broker delivers events to subscribers synchronously, in publish order.
// A nil *Broker is valid and drops everything.
type Broker struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]Handler
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int]Handler),
	}
}

// Subscribe registers a handler and returns a function that removes it
func (b *Broker) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Publish delivers an event to all subscribers before returning
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}

	// Set defaults if not set
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	ordered := make([]int, 0, len(b.subscribers))
	for id := range b.subscribers {
		ordered = append(ordered, id)
	}
	handlers := make([]Handler, 0, len(ordered))
	slices.Sort(ordered)
	for _, id := range ordered {
		handlers = append(handlers, b.subscribers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
