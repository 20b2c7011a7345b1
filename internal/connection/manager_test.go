package connection

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
)

// fakeTransport records sends and can simulate an unwritable or failing peer.
type fakeTransport struct {
	mu     sync.Mutex
	open   bool
	fail   bool
	sent   [][]byte
	pings  int
	closed bool
}

func newFakeTransport() *fakeTransport { return &fakeTransport{open: true} }

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) setOpen(open bool) {
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(Options{
		MaxConnections:    100,
		QueueLimit:        5,
		HeartbeatInterval: 30 * time.Second,
		HealthInterval:    time.Minute,
	}, clk, slog.Default())
	return m, clk
}

func TestRegisterLimit(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := NewManager(Options{MaxConnections: 2}, clk, slog.Default())

	if _, err := m.Register(newFakeTransport()); err != nil {
		t.Fatalf("Register #1: %v", err)
	}
	if _, err := m.Register(newFakeTransport()); err != nil {
		t.Fatalf("Register #2: %v", err)
	}
	if _, err := m.Register(newFakeTransport()); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("Register #3 err = %v, want ErrTooManyConnections", err)
	}
}

func TestSendDelivered(t *testing.T) {
	m, _ := testManager(t)
	ft := newFakeTransport()
	c, err := m.Register(ft)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	report := m.Send([]byte("hello"), Target{ConnID: c.ID}, SendOptions{})
	if report.Delivered != 1 || report.Attempted != 1 {
		t.Errorf("report = %+v", report)
	}
	if ft.sentCount() != 1 {
		t.Errorf("sent = %d, want 1", ft.sentCount())
	}
	if c.Snapshot().MessagesSent != 1 {
		t.Errorf("MessagesSent = %d", c.Snapshot().MessagesSent)
	}
}

func TestSendOfflineQueueing(t *testing.T) {
	m, _ := testManager(t)
	ft := newFakeTransport()
	c, _ := m.Register(ft)
	ft.setOpen(false)

	t.Run("queued when requested", func(t *testing.T) {
		report := m.Send([]byte("x"), Target{ConnID: c.ID}, SendOptions{QueueIfOffline: true})
		if report.Queued != 1 {
			t.Errorf("report = %+v", report)
		}
		if c.QueueLen() != 1 {
			t.Errorf("QueueLen = %d", c.QueueLen())
		}
	})

	t.Run("dropped when not requested", func(t *testing.T) {
		report := m.Send([]byte("x"), Target{ConnID: c.ID}, SendOptions{})
		if report.Dropped != 1 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("drain delivers in priority order", func(t *testing.T) {
		m.Send([]byte("low"), Target{ConnID: c.ID}, SendOptions{QueueIfOffline: true, Priority: 1})
		m.Send([]byte("high"), Target{ConnID: c.ID}, SendOptions{QueueIfOffline: true, Priority: 9})

		ft.setOpen(true)
		report := m.Drain(c)
		if report.Delivered != 3 {
			t.Fatalf("Delivered = %d, want 3", report.Delivered)
		}
		ft.mu.Lock()
		first := string(ft.sent[0])
		ft.mu.Unlock()
		if first != "high" {
			t.Errorf("first drained = %q, want high", first)
		}
	})
}

func TestSendAccountingInvariant(t *testing.T) {
	// Every attempted send ends up delivered, dropped, or still enqueued.
	m, _ := testManager(t)
	ft := newFakeTransport()
	c, _ := m.Register(ft)

	var total SendReport
	add := func(r SendReport) {
		total.Attempted += r.Attempted
		total.Delivered += r.Delivered
		total.Queued += r.Queued
		total.Dropped += r.Dropped
	}

	add(m.Send([]byte("a"), Target{ConnID: c.ID}, SendOptions{}))
	ft.setOpen(false)
	for i := 0; i < 10; i++ { // overflows the 5-entry queue, evicting low priorities
		add(m.Send([]byte("b"), Target{ConnID: c.ID}, SendOptions{QueueIfOffline: true, Priority: i}))
	}
	add(m.Send([]byte("c"), Target{ConnID: c.ID}, SendOptions{}))

	if got := total.Delivered + total.Dropped + c.QueueLen(); got != total.Attempted {
		t.Errorf("delivered %d + dropped %d + enqueued %d = %d, want attempted %d",
			total.Delivered, total.Dropped, c.QueueLen(), got, total.Attempted)
	}
}

func TestQueueOverflowPolicy(t *testing.T) {
	q := newOfflineQueue(2)
	now := time.Now()

	push := func(prio int, at time.Time) (bool, bool) {
		return q.push(&QueuedMessage{Data: []byte{byte(prio)}, Priority: prio, EnqueuedAt: at})
	}

	t.Run("evicts older lower-priority entry", func(t *testing.T) {
		push(1, now)
		push(2, now.Add(time.Second))
		accepted, evicted := push(5, now.Add(2*time.Second))
		if !accepted || !evicted {
			t.Fatalf("accepted=%v evicted=%v", accepted, evicted)
		}
		// Highest priority first.
		if m := q.pop(); m.Priority != 5 {
			t.Errorf("pop priority = %d, want 5", m.Priority)
		}
	})

	t.Run("refuses when only higher-priority entries remain", func(t *testing.T) {
		q := newOfflineQueue(2)
		q.push(&QueuedMessage{Priority: 8, EnqueuedAt: now})
		q.push(&QueuedMessage{Priority: 9, EnqueuedAt: now})
		accepted, _ := q.push(&QueuedMessage{Priority: 3, EnqueuedAt: now.Add(time.Second)})
		if accepted {
			t.Error("low-priority message accepted into full higher-priority queue")
		}
	})

	t.Run("fifo within a priority", func(t *testing.T) {
		q := newOfflineQueue(5)
		q.push(&QueuedMessage{Data: []byte("first"), Priority: 1, EnqueuedAt: now})
		q.push(&QueuedMessage{Data: []byte("second"), Priority: 1, EnqueuedAt: now.Add(time.Second)})
		if string(q.pop().Data) != "first" {
			t.Error("expected FIFO order within equal priority")
		}
	})
}

func TestPoolStrategies(t *testing.T) {
	m, _ := testManager(t)
	var conns []*Conn
	var transports []*fakeTransport
	for i := 0; i < 3; i++ {
		ft := newFakeTransport()
		c, _ := m.Register(ft)
		if err := m.AddToPool("workers", c.ID); err != nil {
			t.Fatalf("AddToPool: %v", err)
		}
		conns = append(conns, c)
		transports = append(transports, ft)
	}
	p, ok := m.Pool("workers")
	if !ok {
		t.Fatal("pool not created")
	}

	t.Run("round-robin cycles", func(t *testing.T) {
		seen := make(map[string]int)
		for i := 0; i < 6; i++ {
			c := p.Select(StrategyRoundRobin)
			seen[c.ID]++
		}
		for _, c := range conns {
			if seen[c.ID] != 2 {
				t.Errorf("conn %s selected %d times, want 2", c.ID, seen[c.ID])
			}
		}
	})

	t.Run("round-robin skips non-open", func(t *testing.T) {
		transports[0].setOpen(false)
		defer transports[0].setOpen(true)
		for i := 0; i < 4; i++ {
			if c := p.Select(StrategyRoundRobin); c.ID == conns[0].ID {
				t.Fatal("selected closed connection")
			}
		}
	})

	t.Run("least-connections prefers idle", func(t *testing.T) {
		conns[0].metrics.MessagesSent.Add(100)
		conns[1].metrics.MessagesSent.Add(50)
		// conns[2] untouched.
		if c := p.Select(StrategyLeastConns); c.ID != conns[2].ID {
			t.Errorf("selected %s, want least-loaded %s", c.ID, conns[2].ID)
		}
	})

	t.Run("random selects an open member", func(t *testing.T) {
		if c := p.Select(StrategyRandom); c == nil {
			t.Fatal("nil selection from non-empty pool")
		}
	})

	t.Run("empty pool selects nil", func(t *testing.T) {
		for _, ft := range transports {
			ft.setOpen(false)
		}
		defer func() {
			for _, ft := range transports {
				ft.setOpen(true)
			}
		}()
		if c := p.Select(StrategyRoundRobin); c != nil {
			t.Error("expected nil from all-closed pool")
		}
	})
}

func TestHeartbeatLatency(t *testing.T) {
	m, clk := testManager(t)
	ft := newFakeTransport()
	c, _ := m.Register(ft)

	m.heartbeatOnce()
	if ft.pings != 1 {
		t.Fatalf("pings = %d", ft.pings)
	}
	clk.Advance(120 * time.Millisecond)
	m.RecordPong(c)

	if got := c.Latency(); got != 120*time.Millisecond {
		t.Errorf("Latency = %s, want 120ms", got)
	}

	// Second sample folds into the moving average.
	m.heartbeatOnce()
	clk.Advance(20 * time.Millisecond)
	m.RecordPong(c)
	if got := c.Latency(); got <= 20*time.Millisecond || got >= 120*time.Millisecond {
		t.Errorf("Latency = %s, want between samples", got)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Run("closed transport is cleaned up", func(t *testing.T) {
		m, _ := testManager(t)
		ft := newFakeTransport()
		c, _ := m.Register(ft)
		ft.setOpen(false)

		m.CheckHealth()
		if _, ok := m.Get(c.ID); ok {
			t.Error("unhealthy connection still registered")
		}
	})

	t.Run("high latency is unhealthy", func(t *testing.T) {
		m, _ := testManager(t)
		ft := newFakeTransport()
		c, _ := m.Register(ft)
		c.mu.Lock()
		c.latency = 6 * time.Second
		c.mu.Unlock()

		m.CheckHealth()
		if _, ok := m.Get(c.ID); ok {
			t.Error("slow connection still registered")
		}
		if !ft.closed {
			t.Error("transport not closed")
		}
	})

	t.Run("idle connection degrades", func(t *testing.T) {
		m, clk := testManager(t)
		ft := newFakeTransport()
		c, _ := m.Register(ft)

		clk.Advance(2*30*time.Second + time.Second)
		m.CheckHealth()
		if got := c.Status(); got != StatusDegraded {
			t.Errorf("Status = %s, want degraded", got)
		}
	})
}

func TestRateLimiterDefaults(t *testing.T) {
	m, _ := testManager(t)
	c, _ := m.Register(newFakeTransport())

	// A fresh bucket holds 100 tokens; the 101st burst message is rejected.
	allowed := 0
	for i := 0; i < 101; i++ {
		if c.AllowMessage() {
			allowed++
		}
	}
	if allowed != 100 {
		t.Errorf("allowed = %d, want 100", allowed)
	}
}
