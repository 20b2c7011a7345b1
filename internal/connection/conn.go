package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/liveframe/liveframe/internal/auth"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusOpen      Status = "open"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusClosed    Status = "closed"
)

// Token bucket defaults per connection.
const (
	rateLimitBurst  = 100
	rateLimitRefill = 50 // tokens per second
)

// Metrics are the per-connection counters. Counters use atomics so
// updates stay off any lock on the hot path.
type Metrics struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64
	Errors           atomic.Int64
	Reconnects       atomic.Int64
}

// MetricsSnapshot is a copyable view of Metrics for the management surface.
type MetricsSnapshot struct {
	MessagesSent     int64         `json:"messagesSent"`
	MessagesReceived int64         `json:"messagesReceived"`
	BytesSent        int64         `json:"bytesSent"`
	BytesReceived    int64         `json:"bytesReceived"`
	Errors           int64         `json:"errors"`
	Reconnects       int64         `json:"reconnects"`
	Latency          time.Duration `json:"latency"`
	QueueLength      int           `json:"queueLength"`
}

// Conn is one tracked connection.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	transport Transport
	limiter   *rate.Limiter

	mu           sync.Mutex
	lastActivity time.Time
	status       Status
	latency      time.Duration // moving average round-trip
	pingSentAt   time.Time
	components   map[string]struct{} // owned component ids
	authCtx      *auth.Context
	userID       string
	queue        *offlineQueue

	metrics Metrics
}

func newConn(id string, t Transport, now time.Time, queueLimit int) *Conn {
	return &Conn{
		ID:           id,
		ConnectedAt:  now,
		transport:    t,
		limiter:      rate.NewLimiter(rate.Limit(rateLimitRefill), rateLimitBurst),
		lastActivity: now,
		status:       StatusOpen,
		components:   make(map[string]struct{}),
		authCtx:      auth.Anonymous(),
		queue:        newOfflineQueue(queueLimit),
	}
}

// AllowMessage consumes one token from the connection's rate limiter.
func (c *Conn) AllowMessage() bool {
	return c.limiter.Allow()
}

// Touch refreshes last-activity.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the last inbound or outbound activity time.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Status returns the connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// SetAuth attaches an authenticated context to the connection.
func (c *Conn) SetAuth(ac *auth.Context) {
	c.mu.Lock()
	c.authCtx = ac
	if ac != nil {
		c.userID = ac.UserID
	}
	c.mu.Unlock()
}

// Auth returns the connection's auth context (never nil).
func (c *Conn) Auth() *auth.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authCtx == nil {
		return auth.Anonymous()
	}
	return c.authCtx
}

// UserID returns the authenticated user id, empty when anonymous.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// AddComponent associates a component instance with this connection.
func (c *Conn) AddComponent(id string) {
	c.mu.Lock()
	c.components[id] = struct{}{}
	c.mu.Unlock()
}

// RemoveComponent drops a component association.
func (c *Conn) RemoveComponent(id string) {
	c.mu.Lock()
	delete(c.components, id)
	c.mu.Unlock()
}

// Components lists the component ids owned by this connection.
func (c *Conn) Components() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.components))
	for id := range c.components {
		out = append(out, id)
	}
	return out
}

// Latency returns the moving-average round-trip latency.
func (c *Conn) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// QueueLen reports the offline queue depth.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Snapshot copies the counters for reporting.
func (c *Conn) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesSent:     c.metrics.MessagesSent.Load(),
		MessagesReceived: c.metrics.MessagesReceived.Load(),
		BytesSent:        c.metrics.BytesSent.Load(),
		BytesReceived:    c.metrics.BytesReceived.Load(),
		Errors:           c.metrics.Errors.Load(),
		Reconnects:       c.metrics.Reconnects.Load(),
		Latency:          c.Latency(),
		QueueLength:      c.QueueLen(),
	}
}

// loadScore orders connections for the least-connections strategy.
func (c *Conn) loadScore() int64 {
	return c.metrics.MessagesSent.Load() + int64(c.QueueLen())
}
