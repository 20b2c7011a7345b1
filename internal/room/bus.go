// Package room implements named broadcast groups with shared state and
// an in-process pub/sub bus for server-side subscribers.
package room

import (
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc receives a room event on the server side.
type HandlerFunc func(event string, data any)

// subscription ties a handler to the component that owns it so unmount
// can tear it down.
type subscription struct {
	componentID string
	handler     HandlerFunc
}

// Bus is an in-process pub/sub keyed by (roomType, roomId, event).
// Handler panics are logged and never stop dispatch to the remaining
// subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	taps []TapFunc
	log  *slog.Logger
}

// TapFunc observes every published event regardless of key. Taps must
// not block.
type TapFunc func(roomType, roomID, event string, data any)

// NewBus creates a ready-to-use Bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{subs: make(map[string][]subscription), log: log}
}

func busKey(roomType, roomID, event string) string {
	return roomType + ":" + roomID + ":" + event
}

// Subscribe registers a server-side handler for an event in a room.
func (b *Bus) Subscribe(roomType, roomID, event, componentID string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := busKey(roomType, roomID, event)
	b.subs[key] = append(b.subs[key], subscription{componentID: componentID, handler: h})
}

// Unsubscribe removes a component's handler for one key.
func (b *Bus) Unsubscribe(roomType, roomID, event, componentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := busKey(roomType, roomID, event)
	b.subs[key] = removeComponent(b.subs[key], componentID)
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
}

// UnsubscribeComponent drops every subscription a component holds.
// Called on unmount.
func (b *Bus) UnsubscribeComponent(componentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.subs {
		subs = removeComponent(subs, componentID)
		if len(subs) == 0 {
			delete(b.subs, key)
		} else {
			b.subs[key] = subs
		}
	}
}

func removeComponent(subs []subscription, componentID string) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.componentID != componentID {
			out = append(out, s)
		}
	}
	return out
}

// Tap registers an observer for all published events (used by the
// MQTT bridge and the debugger).
func (b *Bus) Tap(fn TapFunc) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber of its key, then to
// the taps.
func (b *Bus) Publish(roomType, roomID, event string, data any) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[busKey(roomType, roomID, event)]...)
	taps := append([]TapFunc(nil), b.taps...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s, event, data)
	}
	for _, tap := range taps {
		tap(roomType, roomID, event, data)
	}
}

func (b *Bus) dispatch(s subscription, event string, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("room subscriber panicked",
				"component", s.componentID, "event", event, "panic", fmt.Sprint(r))
		}
	}()
	s.handler(event, data)
}

// SubscriberCount reports how many handlers are registered for a key.
func (b *Bus) SubscriberCount(roomType, roomID, event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[busKey(roomType, roomID, event)])
}
