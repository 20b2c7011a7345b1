package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/metrics"
)

const (
	defaultMaxConnections = 10000
	latencyUnhealthy      = 5 * time.Second
	errorRateThreshold    = 0.1 // errors per message received
	errorRateMinSample    = 20
)

// ErrTooManyConnections is returned when the global maximum is reached.
var ErrTooManyConnections = errors.New("connection limit reached")

// Target addresses a Send: a specific connection, a pool (with a
// strategy), or a broadcast to everything.
type Target struct {
	ConnID    string
	Pool      string
	Strategy  string
	Broadcast bool
}

// SendOptions control queueing behavior for unwritable peers.
type SendOptions struct {
	QueueIfOffline bool
	Priority       int
	MaxRetries     int
}

// SendReport accounts for every connection a Send touched:
// Attempted == Delivered + Queued + Dropped.
type SendReport struct {
	Attempted int
	Delivered int
	Queued    int
	Dropped   int
}

// Options configure a Manager.
type Options struct {
	MaxConnections    int
	QueueLimit        int
	HeartbeatInterval time.Duration
	HealthInterval    time.Duration
}

// Manager tracks all connections and pools.
type Manager struct {
	opts Options
	clk  clock.Clock
	log  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	poolMu sync.RWMutex
	pools  map[string]*Pool
}

// NewManager creates a Manager.
func NewManager(opts Options, clk clock.Clock, log *slog.Logger) *Manager {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 60 * time.Second
	}
	return &Manager{
		opts:  opts,
		clk:   clk,
		log:   log,
		conns: make(map[string]*Conn),
		pools: make(map[string]*Pool),
	}
}

// Register tracks a new connection, enforcing the global maximum.
func (m *Manager) Register(t Transport) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= m.opts.MaxConnections {
		return nil, ErrTooManyConnections
	}
	c := newConn(uuid.NewString(), t, m.clk.Now(), m.opts.QueueLimit)
	m.conns[c.ID] = c
	metrics.ConnectionsActive.Set(float64(len(m.conns)))
	m.log.Debug("connection registered", "connection_id", c.ID)
	return c, nil
}

// Unregister drops a connection from the manager and every pool.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	metrics.ConnectionsActive.Set(float64(len(m.conns)))
	m.mu.Unlock()
	if !ok {
		return
	}
	c.setStatus(StatusClosed)

	m.poolMu.RLock()
	for _, p := range m.pools {
		p.remove(id)
	}
	m.poolMu.RUnlock()
	m.log.Debug("connection unregistered", "connection_id", id)
}

// Get returns a connection by id.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Count returns the number of tracked connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// All returns every tracked connection.
func (m *Manager) All() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// AddToPool places a connection into a named pool, creating it on first use.
func (m *Manager) AddToPool(pool string, connID string) error {
	c, ok := m.Get(connID)
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}
	m.poolMu.Lock()
	p, ok := m.pools[pool]
	if !ok {
		p = newPool(pool)
		m.pools[pool] = p
	}
	m.poolMu.Unlock()
	p.add(c)
	return nil
}

// RemoveFromPool takes a connection out of a pool.
func (m *Manager) RemoveFromPool(pool string, connID string) {
	m.poolMu.RLock()
	p, ok := m.pools[pool]
	m.poolMu.RUnlock()
	if ok {
		p.remove(connID)
	}
}

// Pools returns every pool.
func (m *Manager) Pools() []*Pool {
	m.poolMu.RLock()
	defer m.poolMu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// Pool returns a pool by name.
func (m *Manager) Pool(name string) (*Pool, bool) {
	m.poolMu.RLock()
	defer m.poolMu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Send delivers data to the target. Per connection: unwritable peers get
// the message queued when QueueIfOffline is set, otherwise it counts as
// dropped.
func (m *Manager) Send(data []byte, target Target, opts SendOptions) SendReport {
	var report SendReport
	switch {
	case target.Broadcast:
		for _, c := range m.All() {
			m.sendTo(c, data, opts, &report)
		}
	case target.Pool != "":
		m.poolMu.RLock()
		p, ok := m.pools[target.Pool]
		m.poolMu.RUnlock()
		if !ok {
			return report
		}
		if c := p.Select(target.Strategy); c != nil {
			m.sendTo(c, data, opts, &report)
		}
	default:
		if c, ok := m.Get(target.ConnID); ok {
			m.sendTo(c, data, opts, &report)
		}
	}
	return report
}

// SendTo delivers data to one known connection.
func (m *Manager) SendTo(c *Conn, data []byte, opts SendOptions) SendReport {
	var report SendReport
	m.sendTo(c, data, opts, &report)
	return report
}

func (m *Manager) sendTo(c *Conn, data []byte, opts SendOptions, report *SendReport) {
	report.Attempted++

	if !c.transport.IsOpen() {
		if opts.QueueIfOffline {
			m.enqueue(c, data, opts, report)
		} else {
			report.Dropped++
			metrics.OfflineDropped.Inc()
		}
		return
	}

	if err := c.transport.Send(data); err != nil {
		c.metrics.Errors.Add(1)
		if opts.QueueIfOffline {
			m.enqueue(c, data, opts, report)
		} else {
			report.Dropped++
			metrics.OfflineDropped.Inc()
		}
		return
	}

	c.metrics.MessagesSent.Add(1)
	c.metrics.BytesSent.Add(int64(len(data)))
	c.Touch(m.clk.Now())
	report.Delivered++
}

func (m *Manager) enqueue(c *Conn, data []byte, opts SendOptions, report *SendReport) {
	msg := &QueuedMessage{
		Data:       data,
		Priority:   opts.Priority,
		EnqueuedAt: m.clk.Now(),
		MaxRetries: opts.MaxRetries,
	}
	c.mu.Lock()
	accepted, evicted := c.queue.push(msg)
	c.mu.Unlock()
	if accepted {
		report.Queued++
		metrics.OfflineQueued.Inc()
		if evicted {
			// The evicted entry was attempted earlier; account it now.
			report.Dropped++
			metrics.OfflineDropped.Inc()
		}
	} else {
		report.Dropped++
		metrics.OfflineDropped.Inc()
	}
}

// Drain flushes a connection's offline queue after it becomes writable
// again. Failed sends increment the per-message retry count; messages
// past their max are dropped.
func (m *Manager) Drain(c *Conn) SendReport {
	var report SendReport
	for c.transport.IsOpen() {
		c.mu.Lock()
		msg := c.queue.pop()
		c.mu.Unlock()
		if msg == nil {
			break
		}
		report.Attempted++
		if err := c.transport.Send(msg.Data); err != nil {
			c.metrics.Errors.Add(1)
			msg.Retries++
			if msg.Retries >= msg.MaxRetries {
				report.Dropped++
				metrics.OfflineDropped.Inc()
				continue
			}
			c.mu.Lock()
			c.queue.push(msg)
			c.mu.Unlock()
			break // peer is struggling, stop draining for now
		}
		c.metrics.MessagesSent.Add(1)
		c.metrics.BytesSent.Add(int64(len(msg.Data)))
		report.Delivered++
	}
	return report
}

// RecordInbound updates counters for a received message.
func (m *Manager) RecordInbound(c *Conn, size int) {
	c.metrics.MessagesReceived.Add(1)
	c.metrics.BytesReceived.Add(int64(size))
	c.Touch(m.clk.Now())
}

// RecordPong folds a heartbeat round trip into the latency moving average.
func (m *Manager) RecordPong(c *Conn) {
	now := m.clk.Now()
	c.mu.Lock()
	if !c.pingSentAt.IsZero() {
		sample := now.Sub(c.pingSentAt)
		if c.latency == 0 {
			c.latency = sample
		} else {
			// EWMA, 80/20.
			c.latency = (c.latency*4 + sample) / 5
		}
		c.pingSentAt = time.Time{}
	}
	c.lastActivity = now
	c.mu.Unlock()
}

// RunHeartbeat pings every open connection on the configured interval
// until ctx is done.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeatOnce()
		}
	}
}

func (m *Manager) heartbeatOnce() {
	now := m.clk.Now()
	for _, c := range m.All() {
		if !c.transport.IsOpen() {
			continue
		}
		c.mu.Lock()
		c.pingSentAt = now
		c.mu.Unlock()
		if err := c.transport.Ping(); err != nil {
			c.metrics.Errors.Add(1)
		}
	}
}

// RunHealthCheck scores connection health on the configured interval
// until ctx is done. Unhealthy connections are closed and removed.
func (m *Manager) RunHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// CheckHealth runs one health pass: closed, error-heavy, or slow
// connections become unhealthy and are cleaned up; idle connections are
// marked degraded.
func (m *Manager) CheckHealth() {
	now := m.clk.Now()
	for _, c := range m.All() {
		if m.isUnhealthy(c) {
			c.setStatus(StatusUnhealthy)
			m.log.Info("closing unhealthy connection", "connection_id", c.ID,
				"errors", c.metrics.Errors.Load(), "latency", c.Latency())
			_ = c.transport.Close()
			m.Unregister(c.ID)
			continue
		}
		if now.Sub(c.LastActivity()) > 2*m.opts.HeartbeatInterval {
			c.setStatus(StatusDegraded)
		} else {
			c.setStatus(StatusOpen)
		}
	}
}

func (m *Manager) isUnhealthy(c *Conn) bool {
	if !c.transport.IsOpen() {
		return true
	}
	if c.Latency() > latencyUnhealthy {
		return true
	}
	errs := c.metrics.Errors.Load()
	recv := c.metrics.MessagesReceived.Load()
	if errs >= errorRateMinSample && recv > 0 && float64(errs)/float64(recv) > errorRateThreshold {
		return true
	}
	return false
}
