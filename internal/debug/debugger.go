// Package debug implements the live debugger: a bounded ring of runtime
// events (mounts, actions, room traffic, errors) with a toggleable feed
// for debug subscribers.
package debug

import (
	"sync"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
)

// Event is one recorded runtime event.
type Event struct {
	Seq          int64          `json:"seq"`
	Timestamp    time.Time      `json:"timestamp"`
	Kind         string         `json:"kind"`
	ConnectionID string         `json:"connectionId,omitempty"`
	ComponentID  string         `json:"componentId,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Snapshot summarizes the debugger for the management surface.
type Snapshot struct {
	Enabled     bool  `json:"enabled"`
	Capacity    int   `json:"capacity"`
	Count       int   `json:"count"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

const defaultCapacity = 1000

// Debugger holds the event ring. Recording is a no-op while disabled.
type Debugger struct {
	clk clock.Clock

	mu       sync.Mutex
	enabled  bool
	capacity int
	events   []Event
	seq      int64
	dropped  int64
	nextSub  int64
	subs     map[int64]chan Event
}

// New creates a Debugger.
func New(enabled bool, capacity int, clk clock.Clock) *Debugger {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Debugger{
		clk:      clk,
		enabled:  enabled,
		capacity: capacity,
		subs:     make(map[int64]chan Event),
	}
}

// Enabled reports whether recording is on.
func (d *Debugger) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetEnabled toggles recording.
func (d *Debugger) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
}

// Record appends an event when enabled, evicting the oldest entry once
// the ring is full, and fans it out to live subscribers.
func (d *Debugger) Record(kind, connID, componentID string, detail map[string]any) {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}
	d.seq++
	ev := Event{
		Seq:          d.seq,
		Timestamp:    d.clk.Now(),
		Kind:         kind,
		ConnectionID: connID,
		ComponentID:  componentID,
		Detail:       detail,
	}
	d.events = append(d.events, ev)
	if len(d.events) > d.capacity {
		over := len(d.events) - d.capacity
		d.events = append([]Event(nil), d.events[over:]...)
		d.dropped += int64(over)
	}
	subs := make([]chan Event, 0, len(d.subs))
	for _, ch := range d.subs {
		subs = append(subs, ch)
	}
	d.mu.Unlock()

	// Slow subscribers lose events rather than block recording.
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Events returns up to limit events, newest first.
func (d *Debugger) Events(limit int) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.events) {
		limit = len(d.events)
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = d.events[len(d.events)-1-i]
	}
	return out
}

// Clear discards all recorded events.
func (d *Debugger) Clear() {
	d.mu.Lock()
	d.events = nil
	d.dropped = 0
	d.mu.Unlock()
}

// Snapshot returns the debugger summary.
func (d *Debugger) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Enabled:     d.enabled,
		Capacity:    d.capacity,
		Count:       len(d.events),
		Dropped:     d.dropped,
		Subscribers: len(d.subs),
	}
}

// Subscribe attaches a live feed channel.
func (d *Debugger) Subscribe() (int64, <-chan Event) {
	ch := make(chan Event, 64)
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[id] = ch
	d.mu.Unlock()
	return id, ch
}

// Unsubscribe detaches a live feed channel.
func (d *Debugger) Unsubscribe(id int64) {
	d.mu.Lock()
	if ch, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(ch)
	}
	d.mu.Unlock()
}
