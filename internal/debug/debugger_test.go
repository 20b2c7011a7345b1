package debug

import (
	"fmt"
	"testing"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
)

func newTestDebugger(enabled bool, capacity int) *Debugger {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(enabled, capacity, clk)
}

func TestRecordAndEvents(t *testing.T) {
	d := newTestDebugger(true, 10)
	d.Record("mount", "conn-1", "c-1", map[string]any{"class": "Counter"})
	d.Record("action", "conn-1", "c-1", map[string]any{"action": "increment"})

	events := d.Events(0)
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	// Newest first.
	if events[0].Kind != "action" || events[1].Kind != "mount" {
		t.Errorf("order = %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[0].Seq <= events[1].Seq {
		t.Error("sequence not monotonic")
	}
}

func TestDisabledRecordsNothing(t *testing.T) {
	d := newTestDebugger(false, 10)
	d.Record("mount", "", "", nil)
	if len(d.Events(0)) != 0 {
		t.Error("disabled debugger recorded an event")
	}

	d.SetEnabled(true)
	d.Record("mount", "", "", nil)
	if len(d.Events(0)) != 1 {
		t.Error("enabled debugger dropped an event")
	}
}

func TestRingEviction(t *testing.T) {
	d := newTestDebugger(true, 3)
	for i := 0; i < 5; i++ {
		d.Record("tick", "", "", map[string]any{"i": i})
	}

	snap := d.Snapshot()
	if snap.Count != 3 || snap.Dropped != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	events := d.Events(0)
	if events[len(events)-1].Detail["i"] != 2 {
		t.Errorf("oldest retained = %v, want 2", events[len(events)-1].Detail["i"])
	}
}

func TestEventsLimit(t *testing.T) {
	d := newTestDebugger(true, 100)
	for i := 0; i < 10; i++ {
		d.Record("tick", "", "", nil)
	}
	if got := len(d.Events(4)); got != 4 {
		t.Errorf("limited events = %d, want 4", got)
	}
}

func TestClear(t *testing.T) {
	d := newTestDebugger(true, 10)
	d.Record("x", "", "", nil)
	d.Clear()
	if snap := d.Snapshot(); snap.Count != 0 || snap.Dropped != 0 {
		t.Errorf("snapshot after clear = %+v", snap)
	}
}

func TestSubscribe(t *testing.T) {
	d := newTestDebugger(true, 10)
	id, ch := d.Subscribe()

	d.Record("mount", "conn-1", "", nil)
	select {
	case ev := <-ch:
		if ev.Kind != "mount" {
			t.Errorf("Kind = %s", ev.Kind)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}

	t.Run("slow subscriber loses events, recording continues", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d.Record("flood", "", "", map[string]any{"i": fmt.Sprint(i)})
		}
		if snap := d.Snapshot(); snap.Count != 10 {
			t.Errorf("ring count = %d", snap.Count)
		}
	})

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		d.Unsubscribe(id)
		for range ch {
		}
		if d.Snapshot().Subscribers != 0 {
			t.Error("subscriber still attached")
		}
	})
}
