package component

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/liveframe/liveframe/internal/auth"
)

// Lifecycle is an instance lifecycle state.
type Lifecycle string

const (
	StateMounting   Lifecycle = "mounting"
	StateActive     Lifecycle = "active"
	StateInactive   Lifecycle = "inactive"
	StateDestroying Lifecycle = "destroying"
	StateDestroyed  Lifecycle = "destroyed"
	StateError      Lifecycle = "error"
)

// Health is an instance health grade.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// MigrationRecord is one applied (or failed) state migration.
type MigrationRecord struct {
	FromVersion int       `json:"fromVersion"`
	ToVersion   int       `json:"toVersion"`
	MigratedAt  time.Time `json:"migratedAt"`
	Error       string    `json:"error,omitempty"`
}

// Instance is a live, registry-owned component instance. State is
// server-authoritative; component code reads and writes it through the
// accessors here.
type Instance struct {
	ID           string
	Name         string // canonical class name
	ConnectionID string
	DebugLabel   string

	comp    Component
	authCtx *auth.Context

	mu           sync.Mutex
	state        map[string]any
	version      int
	lifecycle    Lifecycle
	health       Health
	mountedAt    time.Time
	lastActivity time.Time
	actionCount  int64
	updateCount  int64
	errorCount   int64
	totalAction  time.Duration
	lastActionAt time.Time
	memEstimate  int // bytes of last serialized state
	migrations   []MigrationRecord

	// actionMu serializes actions: at most one action runs on an
	// instance at any time. Never held across socket I/O.
	actionMu sync.Mutex
}

// State returns a shallow copy of the instance state.
func (i *Instance) State() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return copyState(i.state)
}

// Get reads one state key.
func (i *Instance) Get(key string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.state[key]
	return v, ok
}

// Set writes one state key.
func (i *Instance) Set(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state[key] = value
}

// Auth returns the auth context the instance was mounted with.
func (i *Instance) Auth() *auth.Context { return i.authCtx }

// Version returns the current state version.
func (i *Instance) Version() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.version
}

// Lifecycle returns the current lifecycle state.
func (i *Instance) Lifecycle() Lifecycle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lifecycle
}

// Health returns the current health grade.
func (i *Instance) Health() Health {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.health
}

// Touch refreshes the activity timestamp.
func (i *Instance) Touch(now time.Time) {
	i.mu.Lock()
	i.lastActivity = now
	i.mu.Unlock()
}

func (i *Instance) setLifecycle(s Lifecycle) {
	i.mu.Lock()
	i.lifecycle = s
	i.mu.Unlock()
}

// replaceState swaps the whole state map and refreshes the memory estimate.
func (i *Instance) replaceState(next map[string]any) {
	serialized, _ := json.Marshal(next)
	i.mu.Lock()
	i.state = next
	i.memEstimate = len(serialized)
	i.mu.Unlock()
}

// Info is a read-only snapshot for the management surface.
type Info struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	ConnectionID   string            `json:"connectionId"`
	Lifecycle      Lifecycle         `json:"lifecycle"`
	Health         Health            `json:"health"`
	Version        int               `json:"version"`
	MountedAt      time.Time         `json:"mountedAt"`
	LastActivity   time.Time         `json:"lastActivity"`
	ActionCount    int64             `json:"actionCount"`
	UpdateCount    int64             `json:"updateCount"`
	ErrorCount     int64             `json:"errorCount"`
	AvgActionTime  time.Duration     `json:"avgActionTime"`
	MemoryEstimate int               `json:"memoryEstimate"`
	Migrations     []MigrationRecord `json:"migrations,omitempty"`
}

// Snapshot returns the instance metadata.
func (i *Instance) Snapshot() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := Info{
		ID:             i.ID,
		Name:           i.Name,
		ConnectionID:   i.ConnectionID,
		Lifecycle:      i.lifecycle,
		Health:         i.health,
		Version:        i.version,
		MountedAt:      i.mountedAt,
		LastActivity:   i.lastActivity,
		ActionCount:    i.actionCount,
		UpdateCount:    i.updateCount,
		ErrorCount:     i.errorCount,
		MemoryEstimate: i.memEstimate,
		Migrations:     append([]MigrationRecord(nil), i.migrations...),
	}
	if i.actionCount > 0 {
		info.AvgActionTime = i.totalAction / time.Duration(i.actionCount)
	}
	return info
}

func copyState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
