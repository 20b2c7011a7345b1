package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
)

// fakeSender collects per-connection deliveries.
type fakeSender struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{messages: make(map[string][][]byte)}
}

func (f *fakeSender) SendToConnection(connID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages[connID] = append(f.messages[connID], cp)
	return true
}

func (f *fakeSender) count(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[connID])
}

func (f *fakeSender) last(t *testing.T, connID string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[connID]
	if len(msgs) == 0 {
		t.Fatalf("no messages for connection %s", connID)
	}
	var out map[string]any
	if err := json.Unmarshal(msgs[len(msgs)-1], &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func testRoomManager(t *testing.T) (*Manager, *fakeSender, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sender := newFakeSender()
	log := slog.Default()
	return NewManager(NewBus(log), sender, clk, log), sender, clk
}

func TestJoinValidation(t *testing.T) {
	m, _, _ := testRoomManager(t)

	t.Run("valid ids", func(t *testing.T) {
		for _, id := range []string{"chat:7", "a", "room_1.x-y", strings.Repeat("a", 64)} {
			if _, err := m.Join(id, "c-1", "conn-1"); err != nil {
				t.Errorf("Join(%q): %v", id, err)
			}
		}
	})

	t.Run("invalid ids", func(t *testing.T) {
		for _, id := range []string{"", strings.Repeat("a", 65), "bad room", "emoji✨"} {
			if _, err := m.Join(id, "c-1", "conn-1"); !errors.Is(err, ErrInvalidRoomID) {
				t.Errorf("Join(%q) err = %v, want ErrInvalidRoomID", id, err)
			}
		}
	})
}

func TestMembershipCounts(t *testing.T) {
	m, _, _ := testRoomManager(t)

	if _, err := m.Join("chat:7", "c-a", "conn-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Join("chat:7", "c-b", "conn-b"); err != nil {
		t.Fatal(err)
	}
	r, _ := m.Get("chat:7")
	if r.MemberCount() != 2 {
		t.Errorf("MemberCount = %d, want 2", r.MemberCount())
	}

	m.Leave("chat:7", "c-a")
	if r.MemberCount() != 1 {
		t.Errorf("MemberCount after leave = %d, want 1", r.MemberCount())
	}

	// Joining twice is idempotent for the count.
	m.Join("chat:7", "c-b", "conn-b")
	if r.MemberCount() != 1 {
		t.Errorf("MemberCount after rejoin = %d, want 1", r.MemberCount())
	}
}

func TestEmitDelivery(t *testing.T) {
	m, sender, _ := testRoomManager(t)
	m.Join("chat:7", "c-a", "conn-a")
	m.Join("chat:7", "c-b", "conn-b")

	if err := m.Emit("chat:7", "message", map[string]any{"text": "hi"}, "c-a"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	t.Run("excluded sender receives nothing", func(t *testing.T) {
		if sender.count("conn-a") != 0 {
			t.Errorf("conn-a got %d messages, want 0", sender.count("conn-a"))
		}
	})

	t.Run("member receives ROOM_EVENT", func(t *testing.T) {
		msg := sender.last(t, "conn-b")
		if msg["type"] != "ROOM_EVENT" || msg["event"] != "message" {
			t.Errorf("message = %v", msg)
		}
		data := msg["data"].(map[string]any)
		if data["text"] != "hi" {
			t.Errorf("data = %v", data)
		}
	})

	t.Run("emit to unknown room fails", func(t *testing.T) {
		if err := m.Emit("nope", "x", nil, ""); !errors.Is(err, ErrRoomNotFound) {
			t.Errorf("err = %v, want ErrRoomNotFound", err)
		}
	})
}

func TestServerSideSubscribers(t *testing.T) {
	m, _, _ := testRoomManager(t)
	m.Join("chat:7", "c-a", "conn-a")

	var calls int
	m.Bus().Subscribe("chat", "chat:7", "message", "c-server", func(event string, data any) {
		calls++
	})

	if err := m.Emit("chat:7", "message", map[string]any{"text": "hi"}, ""); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if calls != 1 {
		t.Errorf("subscriber called %d times, want exactly 1", calls)
	}

	t.Run("panicking subscriber does not stop dispatch", func(t *testing.T) {
		var after int
		m.Bus().Subscribe("chat", "chat:7", "boom", "c-bad", func(event string, data any) {
			panic("handler bug")
		})
		m.Bus().Subscribe("chat", "chat:7", "boom", "c-good", func(event string, data any) {
			after++
		})
		if err := m.Emit("chat:7", "boom", nil, ""); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if after != 1 {
			t.Errorf("later subscriber called %d times, want 1", after)
		}
	})

	t.Run("unsubscribe component", func(t *testing.T) {
		m.Bus().UnsubscribeComponent("c-server")
		if got := m.Bus().SubscriberCount("chat", "chat:7", "message"); got != 0 {
			t.Errorf("SubscriberCount = %d, want 0", got)
		}
	})
}

func TestSetState(t *testing.T) {
	m, sender, _ := testRoomManager(t)
	m.Join("chat:7", "c-a", "conn-a")
	m.Join("chat:7", "c-b", "conn-b")

	if err := m.SetState("chat:7", map[string]any{"topic": "go"}, "c-a"); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	t.Run("shallow merge", func(t *testing.T) {
		if err := m.SetState("chat:7", map[string]any{"pinned": true}, "c-a"); err != nil {
			t.Fatalf("SetState: %v", err)
		}
		r, _ := m.Get("chat:7")
		state := r.State()
		if state["topic"] != "go" || state["pinned"] != true {
			t.Errorf("state = %v", state)
		}
	})

	t.Run("delta-only event to others", func(t *testing.T) {
		msg := sender.last(t, "conn-b")
		if msg["event"] != StateUpdateEvent {
			t.Errorf("event = %v", msg["event"])
		}
		data := msg["data"].(map[string]any)
		if _, ok := data["topic"]; ok {
			t.Error("delta event carried full state, want delta only")
		}
		if data["pinned"] != true {
			t.Errorf("data = %v", data)
		}
		if sender.count("conn-a") != 0 {
			t.Error("sender received its own state update")
		}
	})

	t.Run("size ceiling", func(t *testing.T) {
		huge := strings.Repeat("x", maxStateBytes+1)
		if err := m.SetState("chat:7", map[string]any{"blob": huge}, "c-a"); !errors.Is(err, ErrStateTooLarge) {
			t.Errorf("err = %v, want ErrStateTooLarge", err)
		}
	})
}

func TestReapEmptyRooms(t *testing.T) {
	m, _, clk := testRoomManager(t)
	m.Join("chat:7", "c-a", "conn-a")
	m.Leave("chat:7", "c-a")

	t.Run("not reaped before TTL", func(t *testing.T) {
		clk.Advance(4 * time.Minute)
		m.Reap()
		if _, ok := m.Get("chat:7"); !ok {
			t.Fatal("room reaped before TTL")
		}
	})

	t.Run("rejoin cancels pending deletion", func(t *testing.T) {
		m.Join("chat:7", "c-a", "conn-a")
		clk.Advance(10 * time.Minute)
		m.Reap()
		if _, ok := m.Get("chat:7"); !ok {
			t.Fatal("occupied room reaped")
		}
	})

	t.Run("reaped after TTL of continued emptiness", func(t *testing.T) {
		m.Leave("chat:7", "c-a")
		clk.Advance(emptyRoomTTL)
		m.Reap()
		if _, ok := m.Get("chat:7"); ok {
			t.Fatal("empty room survived past TTL")
		}
	})
}

func TestCleanupComponent(t *testing.T) {
	m, _, _ := testRoomManager(t)
	m.Join("chat:7", "c-a", "conn-a")
	m.Join("game:1", "c-a", "conn-a")
	m.Bus().Subscribe("chat", "chat:7", "message", "c-a", func(string, any) {})

	m.CleanupComponent("c-a")

	for _, id := range []string{"chat:7", "game:1"} {
		r, _ := m.Get(id)
		if r.MemberCount() != 0 {
			t.Errorf("room %s still has members", id)
		}
	}
	if got := m.Bus().SubscriberCount("chat", "chat:7", "message"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}
