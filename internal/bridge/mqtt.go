// Package bridge republishes room events to an MQTT broker so systems
// outside the websocket runtime can follow room traffic.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/liveframe/liveframe/internal/clock"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
	queueCapacity  = 256
)

type roomEvent struct {
	RoomType  string `json:"roomType"`
	RoomID    string `json:"roomId"`
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Bridge forwards tapped room events to an MQTT topic. Events are
// queued so tap callers never block on broker I/O; the queue drops on
// overflow.
type Bridge struct {
	broker   string
	topic    string
	clientID string
	qos      byte
	clk      clock.Clock
	log      *slog.Logger

	events chan roomEvent
	client mqtt.Client
}

// New creates a Bridge for the given broker and base topic. Events are
// published under "<topic>/<roomType>/<roomId>".
func New(broker, topic, clientID string, clk clock.Clock, log *slog.Logger) *Bridge {
	if clientID == "" {
		clientID = "liveframe"
	}
	return &Bridge{
		broker:   broker,
		topic:    topic,
		clientID: clientID,
		qos:      0,
		clk:      clk,
		log:      log,
		events:   make(chan roomEvent, queueCapacity),
	}
}

// Tap returns the room-bus tap that feeds the bridge.
func (b *Bridge) Tap() func(roomType, roomID, event string, data any) {
	return func(roomType, roomID, event string, data any) {
		ev := roomEvent{
			RoomType:  roomType,
			RoomID:    roomID,
			Event:     event,
			Data:      data,
			Timestamp: b.clk.Now().UTC().Format(time.RFC3339),
		}
		select {
		case b.events <- ev:
		default:
			b.log.Warn("mqtt bridge queue full, dropping room event",
				"room", roomID, "event", event)
		}
	}
}

// Run connects to the broker and publishes queued events until ctx is
// done.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		SetClientID(b.clientID).
		AddBroker(b.broker).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetAutoReconnect(true)

	b.client = mqtt.NewClient(opts)
	tok := b.client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer b.client.Disconnect(250)
	b.log.Info("mqtt bridge connected", "broker", b.broker, "topic", b.topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			if err := b.publish(ev); err != nil {
				b.log.Warn("mqtt publish failed", "room", ev.RoomID, "event", ev.Event, "error", err)
			}
		}
	}
}

func (b *Bridge) publish(ev roomEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	topic := fmt.Sprintf("%s/%s/%s", b.topic, ev.RoomType, ev.RoomID)
	pub := b.client.Publish(topic, b.qos, false, body)
	if !pub.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}
