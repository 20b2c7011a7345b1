package connection

import (
	"math/rand"
	"sort"
	"sync"
)

// Load-balancing strategies.
const (
	StrategyRoundRobin = "round-robin"
	StrategyLeastConns = "least-connections"
	StrategyRandom     = "random"
)

// Pool is a named set of connections a load-balancing strategy selects
// over. Only connections whose transport reports open are eligible.
type Pool struct {
	Name string

	mu      sync.Mutex
	members map[string]*Conn
	rrIndex int
}

func newPool(name string) *Pool {
	return &Pool{Name: name, members: make(map[string]*Conn)}
}

func (p *Pool) add(c *Conn) {
	p.mu.Lock()
	p.members[c.ID] = c
	p.mu.Unlock()
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.members, id)
	p.mu.Unlock()
}

// Size returns the member count including non-open connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Members returns all member connections.
func (p *Pool) Members() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.members))
	for _, c := range p.members {
		out = append(out, c)
	}
	return out
}

// open returns the eligible connections in a stable id order so the
// round-robin cursor is meaningful.
func (p *Pool) openLocked() []*Conn {
	ids := make([]string, 0, len(p.members))
	for id, c := range p.members {
		if c.transport.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*Conn, len(ids))
	for i, id := range ids {
		out[i] = p.members[id]
	}
	return out
}

// Select picks one open connection per the strategy, or nil when the
// pool has no eligible member.
func (p *Pool) Select(strategy string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	open := p.openLocked()
	if len(open) == 0 {
		return nil
	}

	switch strategy {
	case StrategyLeastConns:
		sort.SliceStable(open, func(i, j int) bool {
			return open[i].loadScore() < open[j].loadScore()
		})
		return open[0]
	case StrategyRandom:
		return open[rand.Intn(len(open))]
	default: // round-robin
		c := open[p.rrIndex%len(open)]
		p.rrIndex++
		return c
	}
}
