// Package hooks runs registered plugin hooks with bounded execution
// time and retried failures.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liveframe/liveframe/internal/metrics"
)

// ErrTimeout is the bounded-execution expiry result.
var ErrTimeout = errors.New("PLUGIN_TIMEOUT")

// Func is one hook. The context carries the execution deadline; hooks
// that ignore it still get abandoned at expiry.
type Func func(ctx context.Context, payload map[string]any) (any, error)

// Outcome tags a hook run.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Result is the final outcome of one hook after retries.
type Result struct {
	Event    string
	Outcome  Outcome
	Value    any
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Options configure a Dispatcher.
type Options struct {
	Timeout time.Duration // per-attempt bound, default 30s
	Retries int           // additional attempts after the first
	Backoff time.Duration // first retry delay, doubled per attempt; default 100ms
}

// Dispatcher holds hooks keyed by event name.
type Dispatcher struct {
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	hooks map[string][]Func
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options, log *slog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	return &Dispatcher{opts: opts, log: log, hooks: make(map[string][]Func)}
}

// Register adds a hook for an event.
func (d *Dispatcher) Register(event string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[event] = append(d.hooks[event], fn)
}

// HookCount reports how many hooks an event has.
func (d *Dispatcher) HookCount(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hooks[event])
}

// Dispatch runs every hook registered for the event, in order, each
// bounded and retried independently. A failing hook never stops the
// others.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload map[string]any) []Result {
	d.mu.RLock()
	fns := append([]Func(nil), d.hooks[event]...)
	d.mu.RUnlock()

	results := make([]Result, 0, len(fns))
	for _, fn := range fns {
		results = append(results, d.runWithRetry(ctx, event, fn, payload))
	}
	return results
}

func (d *Dispatcher) runWithRetry(ctx context.Context, event string, fn Func, payload map[string]any) Result {
	start := time.Now()
	res := Result{Event: event}
	backoff := d.opts.Backoff

	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		value, err := d.runOnce(ctx, fn, payload)
		if err == nil {
			res.Outcome = OutcomeOK
			res.Value = value
			break
		}
		res.Err = err
		if errors.Is(err, ErrTimeout) {
			res.Outcome = OutcomeTimeout
		} else {
			res.Outcome = OutcomeError
		}

		if attempt >= d.opts.Retries || ctx.Err() != nil {
			break
		}
		d.log.Debug("hook retry", "event", event, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			metrics.HookRuns.WithLabelValues(string(res.Outcome)).Inc()
			return res
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	res.Elapsed = time.Since(start)
	metrics.HookRuns.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != OutcomeOK {
		d.log.Warn("hook failed", "event", event, "outcome", string(res.Outcome),
			"attempts", res.Attempts, "error", res.Err)
	}
	return res
}

// runOnce executes a single bounded attempt. The hook runs in its own
// goroutine so an attempt that ignores the context can be abandoned.
func (d *Dispatcher) runOnce(ctx context.Context, fn Func, payload map[string]any) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("hook panicked: %v", r)}
			}
		}()
		value, err := fn(attemptCtx, payload)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, attemptCtx.Err()
	}
}
