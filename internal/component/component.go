// Package component implements the component registry: instance
// lifecycle, action dispatch, rehydration from signed envelopes, health
// monitoring, and service injection.
package component

import (
	"errors"

	"github.com/liveframe/liveframe/internal/auth"
)

// Component is the logic a registered class provides. Implementations
// are constructed per mount by their Factory.
type Component interface {
	// InitialState seeds the instance state; client props are merged on top.
	InitialState() map[string]any
	// HandleAction executes a named action against the instance. The
	// registry serializes calls per instance.
	HandleAction(inst *Instance, action string, payload map[string]any) (any, error)
}

// Factory constructs a fresh component.
type Factory func() Component

// Optional capabilities detected at mount time.

// Destroyer runs teardown when the instance is unmounted.
type Destroyer interface {
	Destroy()
}

// AuthAware receives the mounting connection's auth context.
type AuthAware interface {
	SetAuth(ac *auth.Context)
}

// DependencyDeclarer names the services the component needs. Missing
// required dependencies fail the mount.
type DependencyDeclarer interface {
	Dependencies() (required, optional []string)
}

// ServiceAware receives resolved services by name.
type ServiceAware interface {
	SetService(name string, svc any)
}

// RoomAware receives the broadcast handle after a room join.
type RoomAware interface {
	SetRoom(h RoomHandle)
}

// Recoverer lets an unhealthy component attempt recovery; an error
// transitions the instance to the error state.
type Recoverer interface {
	Recover() error
}

// RoomHandle is the component-bound room broadcast closure.
type RoomHandle interface {
	RoomID() string
	Emit(event string, data any) error
	SetState(delta map[string]any) error
	Subscribe(event string, h func(event string, data any))
}

// Registry errors.
var (
	ErrUnknownComponent = errors.New("component class not registered")
	ErrMissingService   = errors.New("required service not registered")
	ErrClassMismatch    = errors.New("Component class mismatch - state tampering detected")
)

// RehydrationRequiredError tells the dispatcher to ask the client for a
// signed envelope: the instance id is no longer live on this server.
type RehydrationRequiredError struct {
	ComponentID string
}

func (e *RehydrationRequiredError) Error() string {
	return "COMPONENT_REHYDRATION_REQUIRED:" + e.ComponentID
}

// AuthDeniedError carries the gate's denial reason.
type AuthDeniedError struct {
	Reason string
}

func (e *AuthDeniedError) Error() string {
	return "AUTH_DENIED: " + e.Reason
}
