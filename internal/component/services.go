package component

import "sync"

// Services is the name→factory container components draw dependencies
// from. Factories run on every Resolve.
type Services struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

// NewServices creates an empty container.
func NewServices() *Services {
	return &Services{factories: make(map[string]func() any)}
}

// Register installs a service factory under a name. Later registrations
// replace earlier ones.
func (s *Services) Register(name string, factory func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[name] = factory
}

// RegisterValue installs a fixed value as a service.
func (s *Services) RegisterValue(name string, value any) {
	s.Register(name, func() any { return value })
}

// Resolve invokes the named factory.
func (s *Services) Resolve(name string) (any, bool) {
	s.mu.RLock()
	factory, ok := s.factories[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Has reports whether a service is registered.
func (s *Services) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.factories[name]
	return ok
}

// Names lists registered service names.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.factories))
	for name := range s.factories {
		out = append(out, name)
	}
	return out
}
