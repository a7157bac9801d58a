package chatline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a publish or subscribe is attempted
	// while the session is not in the Connected state. Callers must not queue
	// sends across a disconnect; the contract is fail-fast, not buffering.
	ErrNotConnected = errors.New("chatline: session not connected")

	// ErrSendFailed is returned when an outbound send is rejected; the
	// corresponding provisional message has already been removed.
	ErrSendFailed = errors.New("chatline: send failed")

	// ErrClosed is returned when an operation is attempted on a torn-down
	// room session.
	ErrClosed = errors.New("chatline: session closed")

	// ErrMalformedEvent marks an inbound frame that could not be decoded. The
	// session logs and drops such frames; they never interrupt the stream.
	ErrMalformedEvent = errors.New("chatline: malformed event")
)

// APIError represents an error response from the chat server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Domain Types
// ============================================================================

// MessageKind discriminates message payloads.
type MessageKind string

const (
	KindText    MessageKind = "TEXT"
	KindSticker MessageKind = "STICKER"
	KindImage   MessageKind = "IMAGE"
	KindSystem  MessageKind = "SYSTEM"
)

// Message is a single chat message. Server-assigned messages carry a positive
// ID; provisional (locally inserted, unconfirmed) messages carry ID 0 and a
// client-generated LocalID token instead.
type Message struct {
	ID             int64       `json:"id"`
	LocalID        string      `json:"-"`
	ChatRoomID     int64       `json:"chatRoomId"`
	SenderID       *int64      `json:"senderId"`
	SenderNickname string      `json:"senderNickname,omitempty"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"type"`
	SentAt         time.Time   `json:"sentAt"`

	// UnreadCount is the derived number of active members who have not read
	// this message yet. It is recomputed client-side and never authoritative.
	UnreadCount int `json:"unreadCount,omitempty"`

	// AttachmentURL holds the opaque attachment reference for IMAGE and
	// STICKER messages. Upload transport is not this module's concern.
	AttachmentURL string `json:"attachmentUrl,omitempty"`
}

// Provisional reports whether the message is an unconfirmed local insert.
func (m *Message) Provisional() bool {
	return m.ID == 0 && m.LocalID != ""
}

// System reports whether the message is a system notification (join/leave).
// Senderless messages are treated as system messages as well.
func (m *Message) System() bool {
	return m.Kind == KindSystem || m.SenderID == nil
}

// Before reports whether m sorts before other in the timeline's total order
// (sentAt ascending, ties broken by id ascending).
func (m *Message) Before(other *Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.ID < other.ID
}

// Member is one participant of a chat room as seen by the read-cursor engine.
type Member struct {
	UserID            int64     `json:"userId"`
	Nickname          string    `json:"nickname"`
	Active            bool      `json:"active"`
	LastReadMessageID *int64    `json:"lastReadMessageId"`
	JoinedAt          time.Time `json:"joinedAt,omitempty"`
}

// ChatRoom is a conversation summary returned by the rooms listing.
type ChatRoom struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount,omitempty"`
	UnreadCount int    `json:"unreadCount,omitempty"`
	Joined      bool   `json:"joined,omitempty"`
}

// User is a chat identity. Creation and persistence of identities is an
// external concern; the SDK only reads them.
type User struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// ReadStatusUpdate is the inbound read-receipt event carried on a room's
// read-status topic.
type ReadStatusUpdate struct {
	ChatRoomID        int64  `json:"chatRoomId"`
	UserID            int64  `json:"userId"`
	UserNickname      string `json:"userNickname,omitempty"`
	LastReadMessageID int64  `json:"lastReadMessageId"`
}

// ============================================================================
// Wire Frames
// ============================================================================

// FrameType tags inbound frames. The set is closed: anything else is dropped
// at the session boundary.
type FrameType string

const (
	FrameConnected FrameType = "CONNECTED"
	FrameMessage   FrameType = "MESSAGE"
	FrameReceipt   FrameType = "RECEIPT"
	FrameError     FrameType = "ERROR"
)

// Envelope is the raw wire format for all inbound frames.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is a decoded inbound frame. Exactly one of the pointer fields is set,
// according to Type.
type Frame struct {
	Type    FrameType
	Topic   string
	Message *Message
	Receipt *ReadStatusUpdate
	Error   *APIError
}

// decodeFrame turns a raw envelope into a typed frame. Unknown frame types
// and undecodable payloads are reported as errors so the session can drop
// and log them without interrupting the stream.
func decodeFrame(env Envelope) (*Frame, error) {
	f := &Frame{Type: env.Type, Topic: env.Topic}
	switch env.Type {
	case FrameConnected:
		return f, nil
	case FrameMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("%w: message payload: %v", ErrMalformedEvent, err)
		}
		f.Message = &m
		return f, nil
	case FrameReceipt:
		var r ReadStatusUpdate
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, fmt.Errorf("%w: receipt payload: %v", ErrMalformedEvent, err)
		}
		f.Receipt = &r
		return f, nil
	case FrameError:
		var e APIError
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("%w: error payload: %v", ErrMalformedEvent, err)
		}
		f.Error = &e
		return f, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedEvent, env.Type)
	}
}

// SendFrame is the outbound publish payload for chat sends.
type SendFrame struct {
	ChatRoomID int64       `json:"chatRoomId"`
	SenderID   int64       `json:"senderId"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"type"`
}

// Command is a client-to-server control frame (subscribe, unsubscribe, send).
type Command struct {
	Type        string      `json:"type"`
	Topic       string      `json:"topic,omitempty"`
	Destination string      `json:"destination,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
}

// ============================================================================
// Topics
// ============================================================================

const (
	// DestSend is the publish destination for outbound chat messages.
	DestSend = "/app/chat.sendMessage"
	// DestJoin is the publish destination for join notifications.
	DestJoin = "/app/chat.addUser"
)

// RoomTopic returns the message topic for a chat room.
func RoomTopic(roomID int64) string {
	return fmt.Sprintf("/topic/chatroom/%d", roomID)
}

// ReadStatusTopic returns the read-receipt topic for a chat room.
func ReadStatusTopic(roomID int64) string {
	return RoomTopic(roomID) + "/read-status"
}
