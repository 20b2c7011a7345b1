package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/metrics"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_:.\-]{1,64}$`)

const (
	maxStateBytes = 10 << 20 // 10 MB serialized ceiling for shared state
	emptyRoomTTL  = 5 * time.Minute

	// StateUpdateEvent carries shared-state deltas to members.
	StateUpdateEvent = "$state:update"
)

// Errors surfaced to the dispatcher.
var (
	ErrInvalidRoomID = errors.New("invalid room id")
	ErrRoomNotFound  = errors.New("room not found")
	ErrStateTooLarge = errors.New("room state exceeds size limit")
)

// Member records one component's membership.
type Member struct {
	ConnectionID string    `json:"connectionId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Room is a named broadcast group with shared state.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	state        map[string]any
	members      map[string]Member // componentID -> member
	lastActivity time.Time
	emptySince   time.Time // zero while occupied

	// emitMu serializes emits so all deliveries of one emit finish
	// before the next emit to this room begins.
	emitMu sync.Mutex
}

// MemberCount returns the current membership size.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// State returns a copy of the shared state.
func (r *Room) State() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out
}

// Sender delivers a serialized message to a connection. Implemented by
// the connection manager.
type Sender interface {
	SendToConnection(connID string, data []byte) bool
}

// Manager owns rooms: membership, broadcast, shared state, reaping.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	bus    *Bus
	sender Sender
	clk    clock.Clock
	log    *slog.Logger
}

// NewManager creates a Manager publishing through the given sender and bus.
func NewManager(bus *Bus, sender Sender, clk clock.Clock, log *slog.Logger) *Manager {
	return &Manager{
		rooms:  make(map[string]*Room),
		bus:    bus,
		sender: sender,
		clk:    clk,
		log:    log,
	}
}

// Bus exposes the server-side event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// TypeOf returns the room type: the segment before the first ':' of a
// room id ("chat:7" has type "chat"); ids without a separator are their
// own type.
func TypeOf(roomID string) string {
	if i := strings.Index(roomID, ":"); i > 0 {
		return roomID[:i]
	}
	return roomID
}

// Join adds a component to a room, creating the room on first join.
// Rejoining an empty room cancels its pending deletion.
func (m *Manager) Join(roomID, componentID, connID string) (*Room, error) {
	if !roomIDPattern.MatchString(roomID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}

	now := m.clk.Now()
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		r = &Room{
			ID:        roomID,
			CreatedAt: now,
			state:     make(map[string]any),
			members:   make(map[string]Member),
		}
		m.rooms[roomID] = r
		metrics.RoomsActive.Set(float64(len(m.rooms)))
	}
	m.mu.Unlock()

	r.mu.Lock()
	r.members[componentID] = Member{ConnectionID: connID, JoinedAt: now}
	r.lastActivity = now
	r.emptySince = time.Time{}
	r.mu.Unlock()

	m.log.Debug("room join", "room", roomID, "component", componentID)
	return r, nil
}

// Leave removes a component from a room. An emptied room starts its
// deletion countdown.
func (m *Manager) Leave(roomID, componentID string) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.members, componentID)
	r.lastActivity = m.clk.Now()
	if len(r.members) == 0 {
		r.emptySince = m.clk.Now()
	}
	r.mu.Unlock()
	m.log.Debug("room leave", "room", roomID, "component", componentID)
}

// Get returns a room by id.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Rooms returns all live rooms.
func (m *Manager) Rooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// roomEvent is the wire shape of a ROOM_EVENT message.
type roomEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Emit broadcasts an event to every member's connection (optionally
// excluding the emitting component) and to all server-side subscribers.
// Deliveries for one emit complete before the next emit to the same
// room begins.
func (m *Manager) Emit(roomID, event string, data any, excludeComponentID string) error {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	payload, err := json.Marshal(roomEvent{
		Type:      "ROOM_EVENT",
		RoomID:    roomID,
		Event:     event,
		Data:      data,
		Timestamp: m.clk.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}

	r.mu.Lock()
	r.lastActivity = m.clk.Now()
	targets := make(map[string]string, len(r.members)) // componentID -> connID
	for cid, member := range r.members {
		if cid == excludeComponentID {
			continue
		}
		targets[cid] = member.ConnectionID
	}
	r.mu.Unlock()

	// Deduplicate connections: one member connection gets one copy even
	// when it owns several components in the room.
	sent := make(map[string]bool, len(targets))
	for _, connID := range targets {
		if sent[connID] {
			continue
		}
		sent[connID] = true
		m.sender.SendToConnection(connID, payload)
	}

	m.bus.Publish(TypeOf(roomID), roomID, event, data)
	metrics.RoomEventsTotal.Inc()
	return nil
}

// SetState shallow-merges a delta into the room's shared state,
// enforces the serialized ceiling, and emits a $state:update carrying
// only the delta to all members except the sender.
func (m *Manager) SetState(roomID string, delta map[string]any, senderComponentID string) error {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}

	r.mu.Lock()
	next := make(map[string]any, len(r.state)+len(delta))
	for k, v := range r.state {
		next[k] = v
	}
	for k, v := range delta {
		next[k] = v
	}
	serialized, err := json.Marshal(next)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("serialize room state: %w", err)
	}
	if len(serialized) > maxStateBytes {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d bytes", ErrStateTooLarge, len(serialized))
	}
	r.state = next
	r.lastActivity = m.clk.Now()
	r.mu.Unlock()

	return m.Emit(roomID, StateUpdateEvent, delta, senderComponentID)
}

// CleanupComponent removes the component from every room and drops all
// of its bus subscriptions.
func (m *Manager) CleanupComponent(componentID string) {
	for _, r := range m.Rooms() {
		r.mu.Lock()
		if _, ok := r.members[componentID]; ok {
			delete(r.members, componentID)
			if len(r.members) == 0 {
				r.emptySince = m.clk.Now()
			}
		}
		r.mu.Unlock()
	}
	m.bus.UnsubscribeComponent(componentID)
}

// Reap destroys rooms that have been empty past the TTL. Run
// periodically by the maintenance scheduler.
func (m *Manager) Reap() int {
	now := m.clk.Now()
	var victims []string
	for _, r := range m.Rooms() {
		r.mu.Lock()
		empty := len(r.members) == 0 && !r.emptySince.IsZero() && now.Sub(r.emptySince) >= emptyRoomTTL
		r.mu.Unlock()
		if empty {
			victims = append(victims, r.ID)
		}
	}

	m.mu.Lock()
	for _, id := range victims {
		delete(m.rooms, id)
	}
	metrics.RoomsActive.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	if len(victims) > 0 {
		m.log.Debug("reaped empty rooms", "count", len(victims))
	}
	return len(victims)
}
