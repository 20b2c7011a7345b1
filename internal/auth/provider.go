package auth

import (
	"context"
	"log/slog"
	"sync"
)

// Credentials is the raw credential object carried in an AUTH message.
type Credentials map[string]any

// Provider authenticates credentials into a Context. Returning a nil
// Context (with nil error) means "not mine"; the manager moves on to
// the next provider.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context, creds Credentials) (*Context, error)
}

// ActionAuthorizer is an optional provider capability consulted after
// the declarative action rules pass.
type ActionAuthorizer interface {
	AuthorizeAction(ac *Context, component, action string) (bool, string)
}

// RoomAuthorizer is an optional provider capability for room joins.
// A provider without it allows all joins.
type RoomAuthorizer interface {
	AuthorizeRoom(ac *Context, roomID string) (bool, string)
}

// Manager holds registered providers and runs the authentication chain.
type Manager struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	order       []string // registration order
	defaultName string
	log         *slog.Logger
}

// NewManager creates an empty provider manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{providers: make(map[string]Provider), log: log}
}

// Register adds a provider. The first registered provider becomes the default.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := p.Name()
	if _, exists := m.providers[name]; !exists {
		m.order = append(m.order, name)
	}
	m.providers[name] = p
	if m.defaultName == "" {
		m.defaultName = name
	}
}

// SetDefault marks a registered provider as the one tried first.
func (m *Manager) SetDefault(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[name]; ok {
		m.defaultName = name
	}
}

// Provider returns a registered provider by name.
func (m *Manager) Provider(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// Authenticate resolves credentials into a Context. With no credentials
// the result is anonymous. When providerName is set only that provider
// is tried; otherwise the default provider first, then the rest in
// registration order. The first authenticated context wins. Provider
// errors and panics never propagate; they yield anonymous.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials, providerName string) *Context {
	if len(creds) == 0 {
		return Anonymous()
	}

	m.mu.RLock()
	var candidates []Provider
	if providerName != "" {
		if p, ok := m.providers[providerName]; ok {
			candidates = []Provider{p}
		}
	} else {
		if def, ok := m.providers[m.defaultName]; ok {
			candidates = append(candidates, def)
		}
		for _, name := range m.order {
			if name == m.defaultName {
				continue
			}
			candidates = append(candidates, m.providers[name])
		}
	}
	m.mu.RUnlock()

	for _, p := range candidates {
		ac := m.tryProvider(ctx, p, creds)
		if ac != nil && ac.Authenticated {
			ac.Provider = p.Name()
			return ac
		}
	}
	return Anonymous()
}

// tryProvider runs one provider, recovering panics so a misbehaving
// provider degrades to anonymous instead of killing the connection task.
func (m *Manager) tryProvider(ctx context.Context, p Provider, creds Credentials) (ac *Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("auth provider panicked", "provider", p.Name(), "panic", r)
			ac = nil
		}
	}()
	ac, err := p.Authenticate(ctx, creds)
	if err != nil {
		m.log.Debug("auth provider rejected credentials", "provider", p.Name(), "error", err)
		return nil
	}
	return ac
}
