// Package live implements the websocket dispatcher: one socket per
// client, multiplexed across components, rooms, uploads, and auth.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/liveframe/liveframe/internal/auth"
	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/component"
	"github.com/liveframe/liveframe/internal/connection"
	"github.com/liveframe/liveframe/internal/debug"
	"github.com/liveframe/liveframe/internal/hooks"
	"github.com/liveframe/liveframe/internal/logging"
	"github.com/liveframe/liveframe/internal/metrics"
	"github.com/liveframe/liveframe/internal/room"
	"github.com/liveframe/liveframe/internal/upload"
)

// Deps are the subsystems the dispatcher routes into.
type Deps struct {
	Conns    *connection.Manager
	Registry *component.Registry
	Rooms    *room.Manager
	Uploads  *upload.Manager
	Auth     *auth.Manager
	Gate     *auth.Gate
	Debug    *debug.Debugger
	Hooks    *hooks.Dispatcher
	Clock    clock.Clock
	Log      *logging.Logger
}

// Dispatcher upgrades websocket connections and runs their sessions.
type Dispatcher struct {
	deps     Deps
	upgrader websocket.Upgrader
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The runtime is origin-agnostic; deployments front it with
			// their own origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS is the /api/live/ws upgrade endpoint. A `token` query
// parameter pre-authenticates the connection.
func (d *Dispatcher) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.deps.Log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	t := newWSTransport(ws)
	conn, err := d.deps.Conns.Register(t)
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"),
			d.deps.Clock.Now().Add(writeTimeout))
		ws.Close()
		return
	}

	if token := r.URL.Query().Get("token"); token != "" {
		ac := d.deps.Auth.Authenticate(r.Context(), auth.Credentials{"token": token}, "")
		conn.SetAuth(ac)
	}

	ws.SetPongHandler(func(string) error {
		d.deps.Conns.RecordPong(conn)
		return nil
	})

	s := &session{d: d, conn: conn, ctx: context.WithoutCancel(r.Context())}
	s.established()
	d.deps.Debug.Record("connection", conn.ID, "", map[string]any{"event": "open", "remote": r.RemoteAddr})
	s.readLoop(ws, t)
}

// session is the per-connection dispatch state. The read loop owns
// inbound ordering for its connection.
type session struct {
	d    *Dispatcher
	conn *connection.Conn
	ctx  context.Context
}

func (s *session) established() {
	ac := s.conn.Auth()
	s.send(map[string]any{
		"type":          TypeEstablished,
		"connectionId":  s.conn.ID,
		"authenticated": ac.Authenticated,
		"userId":        ac.UserID,
		"features": map[string]bool{
			"rooms":        true,
			"uploads":      true,
			"rehydration":  true,
			"binaryFrames": true,
		},
	})
}

func (s *session) readLoop(ws *websocket.Conn, t *wsTransport) {
	defer s.teardown(t)
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.d.deps.Conns.RecordInbound(s.conn, len(data))

		var msg *Message
		var chunk []byte
		if mt == websocket.BinaryMessage {
			msg, chunk, err = DecodeBinaryFrame(data)
		} else {
			msg = new(Message)
			err = json.Unmarshal(data, msg)
		}
		if err != nil {
			s.sendError(&Message{}, fmt.Errorf("malformed message: %w", err))
			continue
		}

		if !s.conn.AllowMessage() {
			metrics.RateLimited.Inc()
			s.send(map[string]any{
				"type":      TypeError,
				"error":     "RATE_LIMITED",
				"requestId": msg.RequestID,
			})
			continue
		}

		msg.Timestamp = s.d.deps.Clock.Now().UnixMilli()
		metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()
		s.dispatch(msg, chunk)
	}
}

func (s *session) teardown(t *wsTransport) {
	for _, cid := range s.conn.Components() {
		s.d.deps.Uploads.CleanupComponent(cid)
	}
	s.d.deps.Registry.CleanupConnection(s.conn.ID)
	s.d.deps.Conns.Unregister(s.conn.ID)
	t.Close()
	s.d.deps.Debug.Record("connection", s.conn.ID, "", map[string]any{"event": "close"})
}

func (s *session) dispatch(msg *Message, chunk []byte) {
	s.d.deps.Debug.Record("message", s.conn.ID, msg.ComponentID, map[string]any{"type": msg.Type})

	switch msg.Type {
	case TypeAuth:
		s.handleAuth(msg)
	case TypeMount:
		s.handleMount(msg)
	case TypeRehydrate:
		s.handleRehydrate(msg)
	case TypeUnmount:
		s.handleUnmount(msg)
	case TypeCallAction:
		s.handleAction(msg)
	case TypePropertyUpdate:
		s.handlePropertyUpdate(msg)
	case TypePing:
		s.handlePing(msg)
	case TypeUploadStart:
		s.handleUploadStart(msg)
	case TypeUploadChunk:
		s.handleUploadChunk(msg, chunk)
	case TypeUploadComplete:
		s.handleUploadComplete(msg)
	case TypeRoomJoin:
		s.handleRoomJoin(msg)
	case TypeRoomLeave:
		s.handleRoomLeave(msg)
	case TypeRoomEmit:
		s.handleRoomEmit(msg)
	case TypeRoomStateSet:
		s.handleRoomStateSet(msg)
	default:
		s.sendError(msg, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (s *session) handleAuth(msg *Message) {
	ac := s.d.deps.Auth.Authenticate(s.ctx, auth.Credentials(msg.Credentials), msg.Provider)
	s.conn.SetAuth(ac)
	s.send(map[string]any{
		"type":          TypeAuthResult,
		"authenticated": ac.Authenticated,
		"userId":        ac.UserID,
		"roles":         ac.Roles,
		"requestId":     msg.RequestID,
	})
}

func (s *session) handleMount(msg *Message) {
	name, props := msg.Component, msg.Props
	// Some clients nest the class and props under payload.
	if name == "" && msg.Payload != nil {
		name, _ = msg.Payload["component"].(string)
		if p, ok := msg.Payload["props"].(map[string]any); ok && props == nil {
			props = p
		}
	}
	res, err := s.d.deps.Registry.Mount(component.MountRequest{
		Name:         name,
		Props:        props,
		ConnectionID: s.conn.ID,
		Auth:         s.conn.Auth(),
		RoomID:       msg.RoomID,
		DebugLabel:   msg.DebugLabel,
	})
	if err != nil {
		s.sendError(msg, err)
		return
	}
	s.conn.AddComponent(res.ComponentID)
	s.d.deps.Debug.Record("mount", s.conn.ID, res.ComponentID, map[string]any{"class": res.Name})
	s.fireHooks("component.mounted", map[string]any{"componentId": res.ComponentID, "class": res.Name})

	if s.correlated(msg) {
		s.send(map[string]any{
			"type":    TypeMounted,
			"success": true,
			"result": map[string]any{
				"componentId":  res.ComponentID,
				"initialState": res.State,
				"signedState":  res.Envelope,
			},
			"requestId": msg.RequestID,
		})
	}
	s.send(map[string]any{
		"type":        TypeStateUpdate,
		"componentId": res.ComponentID,
		"component":   res.Name,
		"state":       res.State,
		"signedState": res.Envelope,
		"timestamp":   msg.Timestamp,
	})
}

func (s *session) handleRehydrate(msg *Message) {
	res, err := s.d.deps.Registry.Rehydrate(component.RehydrateRequest{
		OldComponentID: msg.ComponentID,
		Name:           msg.Component,
		Envelope:       msg.SignedState,
		ConnectionID:   s.conn.ID,
		Auth:           s.conn.Auth(),
	})
	if err != nil {
		s.sendError(msg, err)
		return
	}
	s.conn.AddComponent(res.ComponentID)
	s.d.deps.Debug.Record("rehydrate", s.conn.ID, res.ComponentID,
		map[string]any{"class": res.Name, "oldComponentId": msg.ComponentID})

	if s.correlated(msg) {
		s.send(map[string]any{
			"type":      TypeRehydrated,
			"success":   true,
			"result":    map[string]any{"newComponentId": res.ComponentID},
			"requestId": msg.RequestID,
		})
	}
	s.send(map[string]any{
		"type":           TypeStateRehydrate,
		"componentId":    res.ComponentID,
		"oldComponentId": msg.ComponentID,
		"component":      res.Name,
		"state":          res.State,
		"signedState":    res.Envelope,
	})
}

func (s *session) handleUnmount(msg *Message) {
	s.d.deps.Uploads.CleanupComponent(msg.ComponentID)
	if err := s.d.deps.Registry.Unmount(msg.ComponentID); err != nil {
		s.sendError(msg, err)
		return
	}
	s.conn.RemoveComponent(msg.ComponentID)
	s.d.deps.Debug.Record("unmount", s.conn.ID, msg.ComponentID, nil)
	s.fireHooks("component.unmounted", map[string]any{"componentId": msg.ComponentID})
	if s.correlated(msg) {
		s.ack(msg, TypeUnmounted, nil)
	}
}

func (s *session) handleAction(msg *Message) {
	out, err := s.d.deps.Registry.DispatchAction(msg.ComponentID, msg.Action, msg.Payload)
	if err != nil {
		s.sendError(msg, err)
		return
	}
	s.d.deps.Debug.Record("action", s.conn.ID, msg.ComponentID, map[string]any{"action": msg.Action})
	s.fireHooks("component.action", map[string]any{"componentId": msg.ComponentID, "action": msg.Action})

	// The correlated response goes out before any state update.
	if s.correlated(msg) {
		s.send(map[string]any{
			"type":        TypeActionResponse,
			"componentId": msg.ComponentID,
			"success":     true,
			"result":      out.Result,
			"requestId":   msg.RequestID,
		})
	}
	if out.StateChanged {
		s.stateUpdate(msg.ComponentID, out)
	}
}

func (s *session) handlePropertyUpdate(msg *Message) {
	out, err := s.d.deps.Registry.PropertyUpdate(msg.ComponentID, msg.Property, msg.Value)
	if err != nil {
		s.sendError(msg, err)
		return
	}
	s.stateUpdate(msg.ComponentID, out)
}

func (s *session) handlePing(msg *Message) {
	if !s.d.deps.Registry.Ping(msg.ComponentID) {
		s.sendError(msg, &component.RehydrationRequiredError{ComponentID: msg.ComponentID})
		return
	}
	s.send(map[string]any{
		"type":        TypePong,
		"componentId": msg.ComponentID,
		"timestamp":   msg.Timestamp,
		"requestId":   msg.RequestID,
	})
}

func (s *session) handleUploadStart(msg *Message) {
	_, err := s.d.deps.Uploads.Start(upload.StartRequest{
		UploadID:     msg.UploadID,
		ComponentID:  msg.ComponentID,
		UserID:       s.conn.UserID(),
		Filename:     msg.Filename,
		MIME:         msg.MimeType,
		DeclaredSize: msg.Size,
		TotalChunks:  msg.TotalChunks,
	})
	if err != nil {
		s.sendError(msg, err)
		return
	}
	s.ack(msg, TypeUploadStart, map[string]any{"uploadId": msg.UploadID})
}

func (s *session) handleUploadChunk(msg *Message, chunk []byte) {
	if chunk == nil {
		encoded, ok := msg.Data.(string)
		if !ok {
			s.sendError(msg, fmt.Errorf("chunk message carries no data"))
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.sendError(msg, fmt.Errorf("malformed base64 chunk: %w", err))
			return
		}
		chunk = decoded
	}
	if err := s.d.deps.Uploads.Chunk(msg.UploadID, msg.ChunkIndex, chunk); err != nil {
		s.sendError(msg, err)
		return
	}
	if s.correlated(msg) {
		s.ack(msg, TypeUploadChunk, map[string]any{
			"uploadId":   msg.UploadID,
			"chunkIndex": msg.ChunkIndex,
		})
	}
}

func (s *session) handleUploadComplete(msg *Message) {
	url, err := s.d.deps.Uploads.Complete(msg.UploadID)
	if err != nil {
		s.send(map[string]any{
			"type":      TypeUploadComplete,
			"success":   false,
			"uploadId":  msg.UploadID,
			"error":     err.Error(),
			"requestId": msg.RequestID,
		})
		return
	}
	s.d.deps.Debug.Record("upload", s.conn.ID, msg.ComponentID, map[string]any{"fileUrl": url})
	s.send(map[string]any{
		"type":      TypeUploadComplete,
		"success":   true,
		"uploadId":  msg.UploadID,
		"fileUrl":   url,
		"requestId": msg.RequestID,
	})
}

func (s *session) handleRoomJoin(msg *Message) {
	if decision := s.d.deps.Gate.AuthorizeRoom(s.conn.Auth(), msg.RoomID); !decision.Allowed {
		s.sendError(msg, &component.AuthDeniedError{Reason: decision.Reason})
		return
	}
	r, err := s.d.deps.Rooms.Join(msg.RoomID, msg.ComponentID, s.conn.ID)
	if err != nil {
		s.sendError(msg, err)
		return
	}
	s.d.deps.Debug.Record("room", s.conn.ID, msg.ComponentID, map[string]any{"event": "join", "roomId": msg.RoomID})
	s.send(map[string]any{
		"type":      TypeRoomJoined,
		"roomId":    msg.RoomID,
		"members":   r.MemberCount(),
		"requestId": msg.RequestID,
	})
}

func (s *session) handleRoomLeave(msg *Message) {
	s.d.deps.Rooms.Leave(msg.RoomID, msg.ComponentID)
	s.d.deps.Debug.Record("room", s.conn.ID, msg.ComponentID, map[string]any{"event": "leave", "roomId": msg.RoomID})
	if s.correlated(msg) {
		s.ack(msg, TypeRoomLeft, map[string]any{"roomId": msg.RoomID})
	}
}

func (s *session) handleRoomEmit(msg *Message) {
	if err := s.d.deps.Rooms.Emit(msg.RoomID, msg.Event, msg.Data, msg.ComponentID); err != nil {
		s.sendError(msg, err)
		return
	}
	if s.correlated(msg) {
		s.ack(msg, TypeRoomEmit, map[string]any{"roomId": msg.RoomID, "event": msg.Event})
	}
}

func (s *session) handleRoomStateSet(msg *Message) {
	delta, ok := msg.Data.(map[string]any)
	if !ok {
		s.sendError(msg, fmt.Errorf("room state delta must be an object"))
		return
	}
	if err := s.d.deps.Rooms.SetState(msg.RoomID, delta, msg.ComponentID); err != nil {
		s.sendError(msg, err)
		return
	}
	if s.correlated(msg) {
		s.ack(msg, TypeRoomStateSet, map[string]any{"roomId": msg.RoomID})
	}
}

func (s *session) stateUpdate(componentID string, out *component.ActionResult) {
	s.send(map[string]any{
		"type":        TypeStateUpdate,
		"componentId": componentID,
		"state":       out.State,
		"signedState": out.Envelope,
	})
}

func (s *session) correlated(msg *Message) bool {
	return msg.ExpectResponse || msg.RequestID != ""
}

func (s *session) ack(msg *Message, msgType string, fields map[string]any) {
	out := map[string]any{"type": msgType, "success": true, "requestId": msg.RequestID}
	for k, v := range fields {
		out[k] = v
	}
	s.send(out)
}

func (s *session) sendError(msg *Message, err error) {
	s.d.deps.Debug.Record("error", s.conn.ID, msg.ComponentID, map[string]any{"error": err.Error()})
	s.send(map[string]any{
		"type":        TypeError,
		"success":     false,
		"error":       err.Error(),
		"componentId": msg.ComponentID,
		"requestId":   msg.RequestID,
	})
}

func (s *session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.d.deps.Log.Error("marshal outbound message", "error", err)
		return
	}
	s.d.deps.Conns.SendTo(s.conn, data, connection.SendOptions{QueueIfOffline: true, Priority: 5})
}

func (s *session) fireHooks(event string, payload map[string]any) {
	if s.d.deps.Hooks == nil || s.d.deps.Hooks.HookCount(event) == 0 {
		return
	}
	go s.d.deps.Hooks.Dispatch(s.ctx, event, payload)
}

// PublishToConnection pushes a server-initiated message to a connection
// (component.Publisher).
func (d *Dispatcher) PublishToConnection(connID string, v any) {
	conn, ok := d.deps.Conns.Get(connID)
	if !ok {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	d.deps.Conns.SendTo(conn, data, connection.SendOptions{QueueIfOffline: true, Priority: 5})
}

// SendToConnection delivers serialized room traffic (room.Sender).
func (d *Dispatcher) SendToConnection(connID string, data []byte) bool {
	conn, ok := d.deps.Conns.Get(connID)
	if !ok {
		return false
	}
	report := d.deps.Conns.SendTo(conn, data, connection.SendOptions{QueueIfOffline: true, Priority: 5})
	return report.Delivered+report.Queued > 0
}
