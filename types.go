package mingle

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Wire Format
// ============================================================================

// Frame is one discrete unit exchanged over the realtime connection.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event types carried on the realtime connection. These values are part of
// the backend contract and must not be changed.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventJoinMingle        = "join_mingle"
	EventLeaveMingle       = "leave_mingle"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventNewMessage        = "new_message"
	EventMingleMessage     = "mingle_message"
	EventUserTyping        = "user_typing"
	EventMessageRead       = "message_read"
	EventMarkRead          = "mark_read"
	EventUserOnlineStatus  = "user_online_status"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// ============================================================================
// Domain Types
// ============================================================================

// RoomKind distinguishes the two room flavors the backend exposes.
type RoomKind string

const (
	RoomConversation RoomKind = "conversation"
	RoomMingle       RoomKind = "mingle"
)

// joinEvent returns the join frame type for this room kind.
func (k RoomKind) joinEvent() string {
	if k == RoomMingle {
		return EventJoinMingle
	}
	return EventJoinConversation
}

// leaveEvent returns the leave frame type for this room kind.
func (k RoomKind) leaveEvent() string {
	if k == RoomMingle {
		return EventLeaveMingle
	}
	return EventLeaveConversation
}

// messageEvent returns the message frame type for this room kind.
func (k RoomKind) messageEvent() string {
	if k == RoomMingle {
		return EventMingleMessage
	}
	return EventNewMessage
}

// MessageKind is the payload flavor of a message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindLocation MessageKind = "location"
)

// DeliveryState tracks a locally sent message through confirmation.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// ReadState tracks whether the counterpart has read a message.
type ReadState string

const (
	ReadStateUnread ReadState = "unread"
	ReadStateRead   ReadState = "read"
)

// Message is one chat message in a room. ID is server-assigned and present
// only once the message is confirmed; ClientID is client-assigned and always
// present on messages sent from this session.
type Message struct {
	ID        string      `json:"id,omitempty"`
	ClientID  string      `json:"clientId,omitempty"`
	RoomID    string      `json:"roomId"`
	SenderID  string      `json:"senderId"`
	Body      string      `json:"body"`
	Kind      MessageKind `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`

	Delivery DeliveryState `json:"-"`
	Read     ReadState     `json:"-"`
}

// TypingIndicator marks a user as typing in a room until ExpiresAt.
type TypingIndicator struct {
	UserID    string
	RoomID    string
	ExpiresAt time.Time
}

// PresenceState is a user's online status. It is mutated only by inbound
// presence frames or poll responses, never locally.
type PresenceState struct {
	UserID     string    `json:"userId"`
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// RoomMembership records an active room join for the session.
type RoomMembership struct {
	RoomID   string
	Kind     RoomKind
	JoinedAt time.Time
}

// UnreadSummary is the aggregate unread state returned by the poll endpoint.
type UnreadSummary struct {
	Total  int            `json:"total"`
	ByRoom map[string]int `json:"byRoom,omitempty"`
}

// TokenData is the response of the token refresh endpoint.
type TokenData struct {
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn"`
}

// ============================================================================
// Wire Payloads
// ============================================================================

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type typingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type readReceiptPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

type participantPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type outboundMessagePayload struct {
	RoomID   string      `json:"roomId"`
	ClientID string      `json:"clientId"`
	Body     string      `json:"body"`
	Kind     MessageKind `json:"kind"`
}

// ============================================================================
// REST Options
// ============================================================================

// HistoryOptions configures a room history fetch.
type HistoryOptions struct {
	Limit  int
	Before string // message id; fetch only messages older than it
}

// SendRequest is the REST message-send fallback payload. ClientID is echoed
// back by the server so the pending entry can be reconciled unambiguously.
type SendRequest struct {
	ClientID string      `json:"clientId"`
	Body     string      `json:"body"`
	Kind     MessageKind `json:"kind"`
}
