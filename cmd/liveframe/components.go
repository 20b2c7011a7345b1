package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/liveframe/liveframe/internal/component"
)

// registerBuiltins installs the components that ship with the server.
// Embedders register their own classes the same way.
func registerBuiltins(r *component.Registry) {
	r.Register("CounterComponent", func() component.Component { return &counterComponent{} })
	r.Register("ChatComponent", func() component.Component { return &chatComponent{} })
}

// counterComponent is a minimal stateful component, useful for smoke
// testing a deployment end to end.
type counterComponent struct{}

func (counterComponent) InitialState() map[string]any {
	return map[string]any{"count": 0, "step": 1}
}

func (counterComponent) HandleAction(inst *component.Instance, action string, payload map[string]any) (any, error) {
	step := intValue(inst, "step")
	if step == 0 {
		step = 1
	}
	switch action {
	case "increment":
		n := intValue(inst, "count") + step
		inst.Set("count", n)
		return n, nil
	case "decrement":
		n := intValue(inst, "count") - step
		inst.Set("count", n)
		return n, nil
	case "reset":
		inst.Set("count", 0)
		return 0, nil
	case "setStep":
		n, ok := numberArg(payload, "step")
		if !ok || n < 1 {
			return nil, fmt.Errorf("setStep requires a positive step")
		}
		inst.Set("step", n)
		return n, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func intValue(inst *component.Instance, key string) int {
	v, _ := inst.Get(key)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func numberArg(payload map[string]any, key string) (int, bool) {
	switch n := payload[key].(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// chatComponent broadcasts messages to its room and mirrors the last
// few into component state.
type chatComponent struct {
	mu   sync.Mutex
	room component.RoomHandle
}

const chatHistoryLimit = 20

func (c *chatComponent) InitialState() map[string]any {
	return map[string]any{"messages": []any{}, "nickname": "anonymous"}
}

func (c *chatComponent) SetRoom(h component.RoomHandle) {
	c.mu.Lock()
	c.room = h
	c.mu.Unlock()
}

func (c *chatComponent) HandleAction(inst *component.Instance, action string, payload map[string]any) (any, error) {
	switch action {
	case "setNickname":
		nick, _ := payload["nickname"].(string)
		nick = strings.TrimSpace(nick)
		if nick == "" || len(nick) > 32 {
			return nil, fmt.Errorf("nickname must be 1-32 characters")
		}
		inst.Set("nickname", nick)
		return nick, nil
	case "send":
		text, _ := payload["text"].(string)
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, fmt.Errorf("message text required")
		}
		nick, _ := inst.Get("nickname")
		msg := map[string]any{"from": nick, "text": text}
		c.appendMessage(inst, msg)

		c.mu.Lock()
		h := c.room
		c.mu.Unlock()
		if h != nil {
			if err := h.Emit("chat:message", msg); err != nil {
				return nil, err
			}
		}
		return msg, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func (c *chatComponent) appendMessage(inst *component.Instance, msg map[string]any) {
	v, _ := inst.Get("messages")
	history, _ := v.([]any)
	history = append(history, msg)
	if len(history) > chatHistoryLimit {
		history = history[len(history)-chatHistoryLimit:]
	}
	inst.Set("messages", history)
}
