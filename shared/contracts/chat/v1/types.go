// Package v1 defines the barterhub chat wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoinChat subscribes the connection to a conversation room (client -> server).
	TypeJoinChat = "join-chat"
	// TypeLeaveChat unsubscribes the connection from a conversation room (client -> server).
	TypeLeaveChat = "leave-chat"

	// TypeSendMessage requests posting a message into a conversation (client -> server).
	TypeSendMessage = "send-message"
	// TypeNewMessage broadcasts a persisted message (server -> conversation room).
	TypeNewMessage = "new-message"

	// TypeInterestInProduct notifies a product owner of interest (client -> server).
	TypeInterestInProduct = "interest-in-product"
	// TypeNewInterestNotification is delivered to the owner's personal room (server -> client).
	TypeNewInterestNotification = "new-interest-notification"

	// TypeJoined acknowledges a successful join-chat (server -> client).
	TypeJoined = "joined"
	// TypeDenied tells the requesting connection its request was not honored
	// (server -> client). It carries no reason: an unknown conversation and an
	// authorization violation are indistinguishable on the wire.
	TypeDenied = "denied"

	// TypeError reports malformed or unsupported traffic (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinChat,
		TypeLeaveChat,
		TypeSendMessage,
		TypeNewMessage,
		TypeInterestInProduct,
		TypeNewInterestNotification,
		TypeJoined,
		TypeDenied,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinChatPayload requests membership in a conversation room.
type JoinChatPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// LeaveChatPayload leaves a conversation room. Always honored, idempotent.
type LeaveChatPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// SendMessagePayload requests posting a message. ClientMsgID is a
// client-generated correlation token echoed back in the broadcast so the sender
// can replace its optimistic local copy.
type SendMessagePayload struct {
	ConversationID int64  `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Content        string `json:"content"`
}

// NewMessagePayload is the full persisted message record, broadcast to every
// member of the conversation room after the row is durable.
type NewMessagePayload struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
}

// JoinedPayload acknowledges a join-chat request.
type JoinedPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// DeniedPayload names the denied operation and, when applicable, the
// conversation it targeted. Nothing else: no reason, no existence hint.
type DeniedPayload struct {
	Op             string `json:"op"`
	ConversationID int64  `json:"conversation_id,omitempty"`
}

// InterestInProductPayload notifies the owner of a listed product that the
// sender wants to negotiate.
type InterestInProductPayload struct {
	ProductID      int64 `json:"product_id"`
	ProductOwnerID int64 `json:"product_owner_id"`
}

// NewInterestNotificationPayload is delivered to the owner's personal room only.
type NewInterestNotificationPayload struct {
	ProductID  int64 `json:"product_id"`
	FromUserID int64 `json:"from_user_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
