package component

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liveframe/liveframe/internal/auth"
	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/logging"
	"github.com/liveframe/liveframe/internal/metrics"
	"github.com/liveframe/liveframe/internal/room"
	"github.com/liveframe/liveframe/internal/signature"
)

const (
	healthInterval   = 30 * time.Second
	idleDegraded     = 5 * time.Minute
	errorUnhealthy   = 10
	memoryDegradedAt = 1 << 20 // serialized state above this marks degraded
)

// Publisher pushes server-initiated messages to a connection. Implemented
// by the dispatcher.
type Publisher interface {
	PublishToConnection(connID string, v any)
}

// Deps are the collaborators a Registry needs.
type Deps struct {
	Signer    *signature.Engine
	Gate      *auth.Gate
	Rooms     *room.Manager
	Services  *Services
	Publisher Publisher
	Clock     clock.Clock
	Log       *logging.Logger
	Filter    *logging.Filter
}

// Registry owns all live component instances.
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	factories map[string]Factory // canonical class name -> factory
	instances map[string]*Instance
}

// NewRegistry creates a Registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Services == nil {
		deps.Services = NewServices()
	}
	return &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
		instances: make(map[string]*Instance),
	}
}

// Services exposes the service container for registration.
func (r *Registry) Services() *Services { return r.deps.Services }

// Register installs a component class. A trailing "Component" in the
// name is stripped; lookups try the usual name variations.
func (r *Registry) Register(name string, f Factory) {
	canonical := strings.TrimSuffix(name, "Component")
	r.mu.Lock()
	r.factories[canonical] = f
	r.mu.Unlock()
	r.deps.Log.Debug("component class registered", "name", canonical)
}

// ClassNames lists the registered class names.
func (r *Registry) ClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

// resolve finds a factory trying name variations: as given, minus a
// trailing "Component", and capitalized forms of both.
func (r *Registry) resolve(name string) (string, Factory, error) {
	candidates := []string{
		name,
		strings.TrimSuffix(name, "Component"),
		capitalize(name),
		capitalize(strings.TrimSuffix(name, "Component")),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range candidates {
		if f, ok := r.factories[c]; ok {
			return c, f, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// MountRequest describes a client mount.
type MountRequest struct {
	Name         string
	Props        map[string]any
	ConnectionID string
	Auth         *auth.Context
	RoomID       string
	DebugLabel   string
}

// MountResult carries the new instance id, its raw state, and the
// signed envelope the client holds for rehydration.
type MountResult struct {
	ComponentID string
	Name        string
	State       map[string]any
	Envelope    *signature.Envelope
}

// Mount constructs, authorizes, and registers a new instance.
func (r *Registry) Mount(req MountRequest) (*MountResult, error) {
	canonical, factory, err := r.resolve(req.Name)
	if err != nil {
		return nil, err
	}

	if d := r.deps.Gate.AuthorizeComponent(req.Auth, canonical); !d.Allowed {
		return nil, &AuthDeniedError{Reason: d.Reason}
	}

	comp := factory()
	if err := r.injectServices(comp, canonical); err != nil {
		return nil, err
	}

	state := comp.InitialState()
	if state == nil {
		state = make(map[string]any)
	} else {
		state = copyState(state)
	}
	for k, v := range req.Props {
		state[k] = v
	}

	now := r.deps.Clock.Now()
	inst := &Instance{
		ID:           uuid.NewString(),
		Name:         canonical,
		ConnectionID: req.ConnectionID,
		DebugLabel:   req.DebugLabel,
		comp:         comp,
		authCtx:      req.Auth,
		state:        state,
		version:      1,
		lifecycle:    StateMounting,
		health:       HealthHealthy,
		mountedAt:    now,
		lastActivity: now,
	}

	if aware, ok := comp.(AuthAware); ok {
		aware.SetAuth(req.Auth)
	}

	if req.RoomID != "" {
		if d := r.deps.Gate.AuthorizeRoom(req.Auth, req.RoomID); !d.Allowed {
			return nil, &AuthDeniedError{Reason: d.Reason}
		}
		if _, err := r.deps.Rooms.Join(req.RoomID, inst.ID, req.ConnectionID); err != nil {
			return nil, err
		}
		if aware, ok := comp.(RoomAware); ok {
			aware.SetRoom(&roomHandle{reg: r, roomID: req.RoomID, componentID: inst.ID})
		}
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	metrics.ComponentsActive.Set(float64(len(r.instances)))
	r.mu.Unlock()
	inst.setLifecycle(StateActive)

	env, rawState, err := r.signState(inst)
	if err != nil {
		r.dropInstance(inst.ID)
		return nil, fmt.Errorf("sign initial state: %w", err)
	}

	r.componentLog(inst).Log(logging.CatLifecycle, "component mounted",
		"id", inst.ID, "class", canonical, "connection", req.ConnectionID)
	return &MountResult{ComponentID: inst.ID, Name: canonical, State: rawState, Envelope: env}, nil
}

func (r *Registry) injectServices(comp Component, class string) error {
	declarer, ok := comp.(DependencyDeclarer)
	if !ok {
		return nil
	}
	required, optional := declarer.Dependencies()
	aware, _ := comp.(ServiceAware)
	for _, name := range required {
		svc, ok := r.deps.Services.Resolve(name)
		if !ok {
			return fmt.Errorf("%w: %s needs %q", ErrMissingService, class, name)
		}
		if aware != nil {
			aware.SetService(name, svc)
		}
	}
	for _, name := range optional {
		if svc, ok := r.deps.Services.Resolve(name); ok && aware != nil {
			aware.SetService(name, svc)
		}
	}
	return nil
}

// RehydrateRequest carries a client-held signed envelope back into a
// live instance.
type RehydrateRequest struct {
	OldComponentID string
	Name           string
	Envelope       *signature.Envelope
	ConnectionID   string
	Auth           *auth.Context
}

// Rehydrate validates the envelope (consuming its nonce), checks the
// embedded class name against the requested one, and registers a fresh
// instance carrying the extracted state at version+1.
func (r *Registry) Rehydrate(req RehydrateRequest) (*MountResult, error) {
	res := r.deps.Signer.Validate(req.Envelope, false)
	if !res.Valid {
		return nil, errors.New(res.Reason)
	}

	canonical, factory, err := r.resolve(req.Name)
	if err != nil {
		return nil, err
	}
	if d := r.deps.Gate.AuthorizeComponent(req.Auth, canonical); !d.Allowed {
		return nil, &AuthDeniedError{Reason: d.Reason}
	}

	data, err := r.deps.Signer.Extract(req.Envelope)
	if err != nil {
		return nil, fmt.Errorf("extract signed state: %w", err)
	}
	embedded, _ := data["__componentName"].(string)
	if embedded != canonical {
		return nil, ErrClassMismatch
	}
	delete(data, "__componentName")

	comp := factory()
	if err := r.injectServices(comp, canonical); err != nil {
		return nil, err
	}
	state := comp.InitialState()
	if state == nil {
		state = make(map[string]any)
	} else {
		state = copyState(state)
	}
	for k, v := range data {
		state[k] = v
	}

	now := r.deps.Clock.Now()
	inst := &Instance{
		ID:           uuid.NewString(),
		Name:         canonical,
		ConnectionID: req.ConnectionID,
		comp:         comp,
		authCtx:      req.Auth,
		state:        state,
		version:      req.Envelope.Version + 1,
		lifecycle:    StateActive,
		health:       HealthHealthy,
		mountedAt:    now,
		lastActivity: now,
	}
	if aware, ok := comp.(AuthAware); ok {
		aware.SetAuth(req.Auth)
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	metrics.ComponentsActive.Set(float64(len(r.instances)))
	r.mu.Unlock()

	env, rawState, err := r.signState(inst)
	if err != nil {
		r.dropInstance(inst.ID)
		return nil, fmt.Errorf("sign rehydrated state: %w", err)
	}

	r.componentLog(inst).Log(logging.CatLifecycle, "component rehydrated",
		"id", inst.ID, "old_id", req.OldComponentID, "class", canonical)
	return &MountResult{ComponentID: inst.ID, Name: canonical, State: rawState, Envelope: env}, nil
}

// ActionResult is what an action produced: its return value and, when
// the state changed, a freshly signed envelope.
type ActionResult struct {
	Result       any
	StateChanged bool
	State        map[string]any
	Envelope     *signature.Envelope
}

// DispatchAction runs an action on an instance. Actions on one instance
// are serialized. An unknown id yields RehydrationRequiredError so the
// dispatcher can ask the client to resend its signed envelope.
func (r *Registry) DispatchAction(componentID, action string, payload map[string]any) (*ActionResult, error) {
	inst, ok := r.Get(componentID)
	if !ok {
		return nil, &RehydrationRequiredError{ComponentID: componentID}
	}

	if d := r.deps.Gate.AuthorizeAction(inst.Auth(), inst.Name, action); !d.Allowed {
		return nil, &AuthDeniedError{Reason: d.Reason}
	}

	inst.actionMu.Lock()
	defer inst.actionMu.Unlock()

	before, _ := json.Marshal(inst.State())
	start := r.deps.Clock.Now()
	result, err := inst.comp.HandleAction(inst, action, payload)
	elapsed := r.deps.Clock.Now().Sub(start)

	inst.mu.Lock()
	inst.actionCount++
	inst.totalAction += elapsed
	inst.lastActionAt = r.deps.Clock.Now()
	inst.lastActivity = inst.lastActionAt
	if err != nil {
		inst.errorCount++
	}
	inst.mu.Unlock()

	metrics.ActionDuration.Observe(elapsed.Seconds())
	if err != nil {
		metrics.ActionsTotal.WithLabelValues("error").Inc()
		r.componentLog(inst).Log(logging.CatMessages, "action failed",
			"id", inst.ID, "action", action, "error", err)
		return nil, err
	}
	metrics.ActionsTotal.WithLabelValues("ok").Inc()

	after, _ := json.Marshal(inst.State())
	out := &ActionResult{Result: result}
	if !bytes.Equal(before, after) {
		inst.mu.Lock()
		inst.updateCount++
		inst.memEstimate = len(after)
		inst.mu.Unlock()

		env, rawState, err := r.signState(inst)
		if err != nil {
			return nil, fmt.Errorf("sign state after action: %w", err)
		}
		out.StateChanged = true
		out.State = rawState
		out.Envelope = env
		r.componentLog(inst).Log(logging.CatState, "state updated",
			"id", inst.ID, "action", action, "bytes", len(after))
	}
	return out, nil
}

// PropertyUpdate shallow-sets one state key and re-signs.
func (r *Registry) PropertyUpdate(componentID, property string, value any) (*ActionResult, error) {
	inst, ok := r.Get(componentID)
	if !ok {
		return nil, &RehydrationRequiredError{ComponentID: componentID}
	}

	inst.actionMu.Lock()
	defer inst.actionMu.Unlock()

	inst.Set(property, value)
	serialized, _ := json.Marshal(inst.State())
	inst.mu.Lock()
	inst.updateCount++
	inst.memEstimate = len(serialized)
	inst.lastActivity = r.deps.Clock.Now()
	inst.mu.Unlock()

	env, rawState, err := r.signState(inst)
	if err != nil {
		return nil, fmt.Errorf("sign state after property update: %w", err)
	}
	r.componentLog(inst).Log(logging.CatState, "property updated",
		"id", inst.ID, "property", property)
	return &ActionResult{StateChanged: true, State: rawState, Envelope: env}, nil
}

// Ping refreshes an instance's activity without touching its state.
func (r *Registry) Ping(componentID string) bool {
	inst, ok := r.Get(componentID)
	if !ok {
		return false
	}
	inst.Touch(r.deps.Clock.Now())
	return true
}

// Get returns an instance by id.
func (r *Registry) Get(componentID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[componentID]
	return inst, ok
}

// All returns every live instance.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Unmount tears an instance down: room subscriptions, destroy hook,
// signed-state backups, metadata.
func (r *Registry) Unmount(componentID string) error {
	inst, ok := r.Get(componentID)
	if !ok {
		return &RehydrationRequiredError{ComponentID: componentID}
	}
	inst.setLifecycle(StateDestroying)

	r.deps.Rooms.CleanupComponent(componentID)
	if d, ok := inst.comp.(Destroyer); ok {
		d.Destroy()
	}
	r.deps.Signer.DropBackups(componentID)

	r.dropInstance(componentID)
	inst.setLifecycle(StateDestroyed)
	r.componentLog(inst).Log(logging.CatLifecycle, "component unmounted", "id", componentID)
	return nil
}

// CleanupConnection unmounts every instance owned by a dead connection.
func (r *Registry) CleanupConnection(connID string) int {
	var victims []string
	r.mu.RLock()
	for id, inst := range r.instances {
		if inst.ConnectionID == connID {
			victims = append(victims, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range victims {
		_ = r.Unmount(id)
	}
	return len(victims)
}

func (r *Registry) dropInstance(componentID string) {
	r.mu.Lock()
	delete(r.instances, componentID)
	metrics.ComponentsActive.Set(float64(len(r.instances)))
	r.mu.Unlock()
}

// Migrate rewrites a live instance's state in place and appends to its
// migration history.
func (r *Registry) Migrate(componentID string, fromVersion, toVersion int, fn signature.MigrationFunc) error {
	inst, ok := r.Get(componentID)
	if !ok {
		return &RehydrationRequiredError{ComponentID: componentID}
	}

	inst.actionMu.Lock()
	defer inst.actionMu.Unlock()

	rec := MigrationRecord{
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		MigratedAt:  r.deps.Clock.Now(),
	}
	if v := inst.Version(); v != fromVersion {
		rec.Error = fmt.Sprintf("instance at version %d, not %d", v, fromVersion)
		inst.mu.Lock()
		inst.migrations = append(inst.migrations, rec)
		inst.mu.Unlock()
		return errors.New(rec.Error)
	}

	migrated, err := fn(inst.State())
	if err != nil {
		rec.Error = err.Error()
		inst.mu.Lock()
		inst.migrations = append(inst.migrations, rec)
		inst.mu.Unlock()
		return fmt.Errorf("migrate %d->%d: %w", fromVersion, toVersion, err)
	}

	inst.replaceState(migrated)
	inst.mu.Lock()
	inst.version = toVersion
	inst.migrations = append(inst.migrations, rec)
	inst.mu.Unlock()
	r.componentLog(inst).Log(logging.CatState, "state migrated",
		"id", componentID, "from", fromVersion, "to", toVersion)
	return nil
}

// signState signs the instance state annotated with the class name.
func (r *Registry) signState(inst *Instance) (*signature.Envelope, map[string]any, error) {
	state := inst.State()
	annotated := copyState(state)
	annotated["__componentName"] = inst.Name
	env, err := r.deps.Signer.Sign(inst.ID, annotated, inst.Version(), signature.SignOptions{Backup: true})
	if err != nil {
		return nil, nil, err
	}
	return env, state, nil
}

func (r *Registry) componentLog(inst *Instance) *logging.ComponentLogger {
	label := inst.DebugLabel
	if label == "" {
		label = inst.Name
	}
	return r.deps.Log.ForComponent(label, r.deps.Filter)
}

// RunHealthMonitor grades instance health every 30 seconds until ctx is
// done.
func (r *Registry) RunHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth()
		}
	}
}

// CheckHealth runs one health pass. Error-heavy instances trigger a
// recovery attempt; success resets their error count and notifies the
// owning client, failure transitions the instance to the error state.
func (r *Registry) CheckHealth() {
	now := r.deps.Clock.Now()
	for _, inst := range r.All() {
		inst.mu.Lock()
		idle := now.Sub(inst.lastActivity)
		errorHeavy := inst.errorCount > errorUnhealthy
		bigState := inst.memEstimate > memoryDegradedAt
		inst.mu.Unlock()

		switch {
		case errorHeavy:
			r.recover(inst)
		case idle > idleDegraded || bigState:
			inst.mu.Lock()
			inst.health = HealthDegraded
			inst.mu.Unlock()
		default:
			inst.mu.Lock()
			inst.health = HealthHealthy
			inst.mu.Unlock()
		}
	}
}

func (r *Registry) recover(inst *Instance) {
	inst.mu.Lock()
	inst.health = HealthUnhealthy
	inst.mu.Unlock()

	if rec, ok := inst.comp.(Recoverer); ok {
		if err := rec.Recover(); err != nil {
			inst.mu.Lock()
			inst.lifecycle = StateError
			inst.mu.Unlock()
			r.deps.Log.Warn("component recovery failed", "id", inst.ID, "error", err)
			return
		}
	}

	inst.mu.Lock()
	inst.errorCount = 0
	inst.health = HealthHealthy
	inst.mu.Unlock()

	if r.deps.Publisher != nil {
		r.deps.Publisher.PublishToConnection(inst.ConnectionID, map[string]any{
			"type":        "COMPONENT_RECOVERED",
			"componentId": inst.ID,
			"timestamp":   r.deps.Clock.Now().UnixMilli(),
		})
	}
	r.componentLog(inst).Log(logging.CatLifecycle, "component recovered", "id", inst.ID)
}

// Stats summarizes the registry for the management surface.
type Stats struct {
	Instances  int            `json:"instances"`
	Classes    []string       `json:"classes"`
	ByClass    map[string]int `json:"byClass"`
	ByHealth   map[string]int `json:"byHealth"`
	ByState    map[string]int `json:"byState"`
	TotalAct   int64          `json:"totalActions"`
	TotalError int64          `json:"totalErrors"`
}

// Stats computes a registry summary.
func (r *Registry) Stats() Stats {
	s := Stats{
		Classes:  r.ClassNames(),
		ByClass:  make(map[string]int),
		ByHealth: make(map[string]int),
		ByState:  make(map[string]int),
	}
	for _, inst := range r.All() {
		info := inst.Snapshot()
		s.Instances++
		s.ByClass[info.Name]++
		s.ByHealth[string(info.Health)]++
		s.ByState[string(info.Lifecycle)]++
		s.TotalAct += info.ActionCount
		s.TotalError += info.ErrorCount
	}
	return s
}

// roomHandle is the broadcast closure handed to RoomAware components.
type roomHandle struct {
	reg         *Registry
	roomID      string
	componentID string
}

func (h *roomHandle) RoomID() string { return h.roomID }

func (h *roomHandle) Emit(event string, data any) error {
	return h.reg.deps.Rooms.Emit(h.roomID, event, data, h.componentID)
}

func (h *roomHandle) SetState(delta map[string]any) error {
	return h.reg.deps.Rooms.SetState(h.roomID, delta, h.componentID)
}

func (h *roomHandle) Subscribe(event string, fn func(event string, data any)) {
	h.reg.deps.Rooms.Bus().Subscribe(room.TypeOf(h.roomID), h.roomID, event, h.componentID, fn)
}
