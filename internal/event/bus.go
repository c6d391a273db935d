package event

import (
	"log"
	"strconv"
	"strings"
	"sync"
)

// Handler is a function that handles events.
type Handler func(evt Event)

// Subscription represents an event subscription.
type Subscription struct {
	ID       string
	Patterns []string
	Handler  Handler
}

// Bus routes call lifecycle events to subscribers. Handlers run on their
// own goroutines so a slow monitor client never blocks a live call.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	nextID        int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string]*Subscription),
	}
}

// Subscribe registers a handler for events matching the given patterns.
// Patterns support trailing wildcards: "call.*" matches "call.turn".
func (b *Bus) Subscribe(patterns []string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := "sub-" + strconv.Itoa(b.nextID)

	b.subscriptions[id] = &Subscription{
		ID:       id,
		Patterns: patterns,
		Handler:  handler,
	}
	return id
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, id)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscriptions {
		if matchesAny(evt.Type, sub.Patterns) {
			go sub.Handler(evt)
		}
	}
}

func matchesAny(eventType string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, eventType) {
			return true
		}
	}
	return false
}

// matchPattern checks if an event type matches a dotted pattern.
// "call.*" matches "call.turn" and "call.turn.final".
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	eventParts := strings.Split(eventType, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			return true
		}
		if i >= len(eventParts) || pp != eventParts[i] {
			return false
		}
	}
	return len(patternParts) == len(eventParts)
}

// LogSubscriber returns a handler that logs every event it receives,
// useful for debugging call flows.
func LogSubscriber(tag string) Handler {
	return func(evt Event) {
		log.Printf("[%s] %s call=%s turn=%d", tag, evt.Type, evt.CallSID, evt.Turn)
	}
}
