package live

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/liveframe/liveframe/internal/signature"
)

// Message tags routed by the dispatcher.
const (
	TypeMount          = "COMPONENT_MOUNT"
	TypeRehydrate      = "COMPONENT_REHYDRATE"
	TypeUnmount        = "COMPONENT_UNMOUNT"
	TypeCallAction     = "CALL_ACTION"
	TypePropertyUpdate = "PROPERTY_UPDATE"
	TypePing           = "COMPONENT_PING"
	TypeAuth           = "AUTH"
	TypeUploadStart    = "FILE_UPLOAD_START"
	TypeUploadChunk    = "FILE_UPLOAD_CHUNK"
	TypeUploadComplete = "FILE_UPLOAD_COMPLETE"
	TypeRoomJoin       = "ROOM_JOIN"
	TypeRoomLeave      = "ROOM_LEAVE"
	TypeRoomEmit       = "ROOM_EMIT"
	TypeRoomStateSet   = "ROOM_STATE_SET"
)

// Server → client message tags. Correlated responses (COMPONENT_MOUNTED,
// ACTION_RESPONSE, COMPONENT_REHYDRATED) are sent only when the request
// carries a requestId or expectResponse; the state stream
// (STATE_UPDATE, STATE_REHYDRATED) flows regardless.
const (
	TypeEstablished    = "CONNECTION_ESTABLISHED"
	TypeStateUpdate    = "STATE_UPDATE"
	TypeStateRehydrate = "STATE_REHYDRATED"
	TypeMounted        = "COMPONENT_MOUNTED"
	TypeRehydrated     = "COMPONENT_REHYDRATED"
	TypeActionResponse = "ACTION_RESPONSE"
	TypeAuthResult     = "AUTH_RESULT"
	TypePong           = "COMPONENT_PONG"
	TypeRoomJoined     = "ROOM_JOINED"
	TypeRoomLeft       = "ROOM_LEFT"
	TypeUnmounted      = "COMPONENT_UNMOUNTED"
	TypeError          = "ERROR"
)

// Message is the JSON envelope for client messages. Fields are
// message-specific; Timestamp is server-assigned on receipt.
type Message struct {
	Type        string              `json:"type"`
	ComponentID string              `json:"componentId,omitempty"`
	Component   string              `json:"component,omitempty"` // class name for mount/rehydrate
	Action      string              `json:"action,omitempty"`
	Property    string              `json:"property,omitempty"`
	Value       any                 `json:"value,omitempty"`
	Payload     map[string]any      `json:"payload,omitempty"`
	Props       map[string]any      `json:"props,omitempty"`
	SignedState *signature.Envelope `json:"signedState,omitempty"`
	DebugLabel  string              `json:"debugLabel,omitempty"`

	// Auth
	Credentials map[string]any `json:"credentials,omitempty"`
	Provider    string         `json:"provider,omitempty"`

	// Rooms
	RoomID string `json:"roomId,omitempty"`
	Event  string `json:"event,omitempty"`
	Data   any    `json:"data,omitempty"` // room payload, or base64 chunk in JSON uploads

	// Uploads
	UploadID    string `json:"uploadId,omitempty"`
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	ChunkIndex  int    `json:"chunkIndex"`

	// Correlation
	RequestID      string `json:"requestId,omitempty"`
	ExpectResponse bool   `json:"expectResponse,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// ErrBadFrame reports a malformed binary frame.
var ErrBadFrame = errors.New("malformed binary frame")

// EncodeBinaryFrame builds a framed chunk message:
// [uint32 LE headerLen][JSON header][chunk bytes].
func EncodeBinaryFrame(header *Message, chunk []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal frame header: %w", err)
	}
	out := make([]byte, 4+len(hdr)+len(chunk))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(hdr)))
	copy(out[4:], hdr)
	copy(out[4+len(hdr):], chunk)
	return out, nil
}

// DecodeBinaryFrame splits a binary frame into its JSON header and the
// raw chunk payload.
func DecodeBinaryFrame(frame []byte) (*Message, []byte, error) {
	if len(frame) < 4 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(frame))
	}
	headerLen := binary.LittleEndian.Uint32(frame[:4])
	if int(headerLen) > len(frame)-4 {
		return nil, nil, fmt.Errorf("%w: header length %d exceeds frame", ErrBadFrame, headerLen)
	}
	var msg Message
	if err := json.Unmarshal(frame[4:4+headerLen], &msg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return &msg, frame[4+headerLen:], nil
}
