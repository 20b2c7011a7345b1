package hooks

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testDispatcher(timeout time.Duration, retries int) *Dispatcher {
	return NewDispatcher(Options{
		Timeout: timeout,
		Retries: retries,
		Backoff: time.Millisecond,
	}, slog.Default())
}

func TestDispatchSuccess(t *testing.T) {
	d := testDispatcher(time.Second, 0)
	d.Register("mount", func(ctx context.Context, payload map[string]any) (any, error) {
		return payload["x"], nil
	})

	results := d.Dispatch(context.Background(), "mount", map[string]any{"x": 42})
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]
	if r.Outcome != OutcomeOK || r.Value != 42 || r.Attempts != 1 {
		t.Errorf("result = %+v", r)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := testDispatcher(10*time.Millisecond, 0)
	d.Register("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	r := d.Dispatch(context.Background(), "slow", nil)[0]
	if r.Outcome != OutcomeTimeout {
		t.Errorf("Outcome = %s", r.Outcome)
	}
	if !errors.Is(r.Err, ErrTimeout) || r.Err.Error() != "PLUGIN_TIMEOUT" {
		t.Errorf("Err = %v", r.Err)
	}
}

func TestRetryBackoff(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int64
		d := testDispatcher(time.Second, 3)
		d.Register("flaky", func(ctx context.Context, _ map[string]any) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		})

		r := d.Dispatch(context.Background(), "flaky", nil)[0]
		if r.Outcome != OutcomeOK || r.Attempts != 3 {
			t.Errorf("result = %+v", r)
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		var calls atomic.Int64
		d := testDispatcher(time.Second, 2)
		d.Register("broken", func(ctx context.Context, _ map[string]any) (any, error) {
			calls.Add(1)
			return nil, errors.New("always fails")
		})

		r := d.Dispatch(context.Background(), "broken", nil)[0]
		if r.Outcome != OutcomeError || r.Attempts != 3 || calls.Load() != 3 {
			t.Errorf("result = %+v, calls = %d", r, calls.Load())
		}
	})

	t.Run("no retries when configured zero", func(t *testing.T) {
		var calls atomic.Int64
		d := testDispatcher(time.Second, 0)
		d.Register("once", func(ctx context.Context, _ map[string]any) (any, error) {
			calls.Add(1)
			return nil, errors.New("nope")
		})

		d.Dispatch(context.Background(), "once", nil)
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})
}

func TestPanicIsolation(t *testing.T) {
	d := testDispatcher(time.Second, 0)
	d.Register("bad", func(ctx context.Context, _ map[string]any) (any, error) {
		panic("hook bug")
	})
	d.Register("good", func(ctx context.Context, _ map[string]any) (any, error) {
		return "survived", nil
	})

	results := d.Dispatch(context.Background(), "bad", nil)
	if results[0].Outcome != OutcomeError {
		t.Errorf("panicking hook outcome = %s", results[0].Outcome)
	}

	// Hooks on the same event keep running after a panic.
	d.Register("bad", func(ctx context.Context, _ map[string]any) (any, error) {
		return "after", nil
	})
	results = d.Dispatch(context.Background(), "bad", nil)
	if len(results) != 2 || results[1].Outcome != OutcomeOK {
		t.Errorf("results = %+v", results)
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	d := testDispatcher(time.Second, 5)
	d.Register("cancel", func(ctx context.Context, _ map[string]any) (any, error) {
		calls.Add(1)
		cancel()
		return nil, errors.New("fail")
	})

	r := d.Dispatch(ctx, "cancel", nil)[0]
	if r.Outcome != OutcomeError {
		t.Errorf("Outcome = %s", r.Outcome)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retries after cancel)", calls.Load())
	}
}

func TestNoHooksRegistered(t *testing.T) {
	d := testDispatcher(time.Second, 0)
	if results := d.Dispatch(context.Background(), "nothing", nil); len(results) != 0 {
		t.Errorf("results = %+v", results)
	}
	if d.HookCount("nothing") != 0 {
		t.Error("HookCount != 0")
	}
}
