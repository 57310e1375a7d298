package chat

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleShopper Role = "shopper"
	RoleAgent   Role = "agent"
)

// ParseRole maps a join payload role to a Role. Empty and unknown values fall
// back to shopper; "admin" and "user" are accepted for older clients.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent", "admin":
		return RoleAgent
	default:
		return RoleShopper
	}
}

type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

type DeliveryState string

const (
	StateSending   DeliveryState = "sending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// MaxContentLength is the upper bound on message content, in characters.
const MaxContentLength = 5000

// Identity is what a connection announced when it joined.
type Identity struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Role         Role
	JoinedAt     time.Time
}

func (i Identity) IsAgent() bool { return i.Role == RoleAgent }

type Message struct {
	ID           string        `json:"id"`
	ConnectionID string        `json:"connectionId,omitempty"`
	SenderUserID string        `json:"senderUserId"`
	SenderName   string        `json:"senderName,omitempty"`
	SenderRole   Role          `json:"senderRole,omitempty"`
	Content      string        `json:"content"`
	Kind         Kind          `json:"type"`
	Status       DeliveryState `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	TargetUserID *string       `json:"targetUserId"` // null unless addressed to one user
}

// Target returns the target user id, or "" for untargeted messages.
func (m Message) Target() string {
	if m.TargetUserID == nil {
		return ""
	}
	return *m.TargetUserID
}

// Presence is the view of an Identity pushed in "users online".
type Presence struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
}

func presenceOf(id Identity) Presence {
	return Presence{
		ConnectionID: id.ConnectionID,
		UserID:       id.UserID,
		Username:     id.DisplayName,
		Role:         id.Role,
		JoinedAt:     id.JoinedAt,
	}
}

// Event names carried in Frame.Event.
const (
	EventJoin   = "join"
	EventSend   = "send"
	EventTyping = "typing"

	EventHistory     = "chat history"
	EventNewMessage  = "new message"
	EventUsersOnline = "users online"
	EventUserTyping  = "user typing"
	EventError       = "error"
	EventAck         = "ack"
)

var eventAliases = map[string]string{
	"user join":    EventJoin,
	"send message": EventSend,
}

// NormalizeEvent resolves legacy inbound event names.
func NormalizeEvent(name string) string {
	if canonical, ok := eventAliases[name]; ok {
		return canonical
	}
	return name
}

// Frame is one websocket text message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"` // request id, echoed on the "ack" reply
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    string `json:"token,omitempty"`
}

// SendPayload keeps Content untyped so a non-string value can be rejected
// instead of failing the whole frame decode.
type SendPayload struct {
	Content      any    `json:"content"`
	Type         string `json:"type,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

type TypingPayload struct {
	IsTyping     *bool  `json:"isTyping"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

// TypingSignal is relayed to recipients as "user typing".
type TypingSignal struct {
	UserID       string `json:"userId"`
	Username     string `json:"username,omitempty"`
	IsTyping     bool   `json:"isTyping"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckError   AckStatus = "error"
)

type Ack struct {
	Status    AckStatus `json:"status"`
	MessageID string    `json:"messageId,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(event, ack string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{Event: event, Ack: ack, Data: raw})
}
