// Package chat contains the barterhub realtime messaging core: persistence
// gateway, conversation resolver, room manager, message pipeline, websocket
// gateway and the REST surface around them.
package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrProductNotFound      = errors.New("chat: product not found")
)

// Conversation is a negotiation thread between exactly two participants,
// optionally anchored to one listed product. The pair is stored normalized
// (UserA < UserB) so (A,B) and (B,A) resolve to the same row.
type Conversation struct {
	ID          int64
	UserA       int64
	UserB       int64
	ProductID   *int64
	LastMessage string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID int64) bool {
	return userID == c.UserA || userID == c.UserB
}

// Counterpart returns the other participant's id.
func (c Conversation) Counterpart(userID int64) int64 {
	if userID == c.UserA {
		return c.UserB
	}
	return c.UserA
}

// Message is one immutable utterance within a Conversation. ID is assigned
// monotonically by the store; only Read is ever mutated afterwards.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Content        string
	Read           bool
	CreatedAt      time.Time
}

// ConversationSummary is a Conversation with the denormalized counterpart
// display fields the inbox list renders.
type ConversationSummary struct {
	Conversation
	OtherUserID      int64
	OtherUserName    string
	OtherUserPicture string
	ProductTitle     string
}

// Product is the slice of the catalog the messaging core needs: enough to
// authorize an interest call and to prime the conversation preview.
type Product struct {
	ID      int64
	OwnerID int64
	Title   string
}

// AppendMessageInput describes a message append request. Preview is the
// truncated content written to the conversation row in the same transaction.
type AppendMessageInput struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Preview        string
	Now            time.Time
}

// Store is the persistence gateway for conversations and messages.
//
// Requirements:
//   - FindOrCreateConversation is race-safe: concurrent calls for the same
//     normalized (pair, product) triple all return the same row.
//   - AppendMessage is atomic with the conversation recency update, and two
//     appends to the same conversation never interleave.
//   - ListMessages returns ascending id order.
type Store interface {
	FindOrCreateConversation(ctx context.Context, userA, userB int64, productID *int64) (Conversation, error)
	GetConversation(ctx context.Context, id int64) (Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)
	MarkRead(ctx context.Context, conversationID, readerID int64) error
	SetLastMessage(ctx context.Context, conversationID int64, preview string) error

	GetProduct(ctx context.Context, id int64) (Product, error)

	Close() error
}

// NormalizePair orders an unordered participant pair for storage and lookup.
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// Preview truncates content for the conversation recency line.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= previewMaxChars {
		return content
	}
	return string(r[:previewMaxChars]) + "..."
}
