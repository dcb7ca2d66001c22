package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "barterhub/shared/contracts/chat/v1"
)

var (
	ErrEmptyContent   = errors.New("chat: empty message content")
	ErrContentTooLong = errors.New("chat: message content too long")
	ErrNotParticipant = errors.New("chat: caller is not a conversation participant")
	ErrOwnProduct     = errors.New("chat: cannot express interest in own product")
)

// Service is the message pipeline plus the conversation resolver, exposed as
// one logical operation set regardless of transport: the websocket gateway and
// the REST handlers both call into it, so authorization and persistence can
// never drift between the two paths.
type Service struct {
	log   *slog.Logger
	store Store
	bus   Backplane

	// Per-conversation locks serialize persist+broadcast so the broadcast
	// order observed by every subscriber matches message id order.
	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewService wires the pipeline over a store and a backplane.
func NewService(log *slog.Logger, store Store, bus Backplane) *Service {
	return &Service{
		log:   log,
		store: store,
		bus:   bus,
		locks: make(map[int64]*sync.Mutex),
	}
}

// Authorize resolves the conversation and checks the caller is a participant.
// ErrConversationNotFound and ErrNotParticipant are distinct internally; the
// websocket gateway collapses them into one non-leaking denial on the wire.
func (s *Service) Authorize(ctx context.Context, conversationID, userID int64) (Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, ErrNotParticipant
	}
	return conv, nil
}

// Send runs the full message pipeline: validate, authorize, persist, update
// recency, broadcast. Persistence happens-before broadcast; a storage failure
// aborts the send with nothing on the wire.
//
// clientMsgID is the sender's correlation token. It is echoed in the
// broadcast so the sender's other tabs and its own optimistic render can
// reconcile by token instead of guessing.
func (s *Service) Send(ctx context.Context, conversationID, senderID int64, content, clientMsgID string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if len([]rune(content)) > maxContentChars {
		return Message{}, ErrContentTooLong
	}

	if _, err := s.Authorize(ctx, conversationID, senderID); err != nil {
		return Message{}, err
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	msg, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Preview:        Preview(content),
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	messagesPersisted.Inc()

	env, err := newMessageEnvelope(msg, clientMsgID)
	if err != nil {
		// The message is durable; only the live fan-out failed. History
		// fetch still surfaces it, which is the documented fallback.
		s.log.Error("chat.send.envelope.fail", "conversation_id", conversationID, "message_id", msg.ID, "err", err)
		return msg, nil
	}
	if err := s.bus.PublishConversation(ctx, conversationID, env); err != nil {
		s.log.Error("chat.send.broadcast.fail", "conversation_id", conversationID, "message_id", msg.ID, "err", err)
	}
	return msg, nil
}

// History authorizes the caller, flags the counterpart's messages as read and
// returns the fixed window of the conversation in id order.
func (s *Service) History(ctx context.Context, conversationID, userID int64) ([]Message, error) {
	if _, err := s.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if err := s.store.MarkRead(ctx, conversationID, userID); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return s.store.ListMessages(ctx, conversationID, historyWindow)
}

// Conversations returns the caller's inbox.
func (s *Service) Conversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	return s.store.ListConversations(ctx, userID)
}

// ExpressInterest resolves (or lazily creates) the conversation between the
// caller and the product owner, primes its preview, and notifies the owner's
// personal room. Concurrent calls settle on one conversation id via the
// store's uniqueness guarantee.
func (s *Service) ExpressInterest(ctx context.Context, userID, productID int64) (Conversation, Product, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return Conversation{}, Product{}, err
	}
	if product.OwnerID == userID {
		return Conversation{}, Product{}, ErrOwnProduct
	}

	conv, err := s.store.FindOrCreateConversation(ctx, userID, product.OwnerID, &product.ID)
	if err != nil {
		return Conversation{}, Product{}, fmt.Errorf("resolve conversation: %w", err)
	}

	preview := Preview("Interest shown in: " + product.Title)
	if err := s.store.SetLastMessage(ctx, conv.ID, preview); err != nil {
		return Conversation{}, Product{}, fmt.Errorf("prime preview: %w", err)
	}

	s.NotifyInterest(ctx, userID, product.ID, product.OwnerID)
	return conv, product, nil
}

// NotifyInterest delivers a new-interest-notification to the owner's personal
// room. Fire-and-forget: notification loss is acceptable, message loss is not.
func (s *Service) NotifyInterest(ctx context.Context, fromUserID, productID, ownerID int64) {
	payload, err := json.Marshal(v1.NewInterestNotificationPayload{
		ProductID:  productID,
		FromUserID: fromUserID,
	})
	if err != nil {
		return
	}
	env := newEnvelope(v1.TypeNewInterestNotification, payload)
	if err := s.bus.PublishUser(ctx, ownerID, env); err != nil {
		s.log.Warn("chat.interest.notify.fail", "owner_id", ownerID, "product_id", productID, "err", err)
	}
}

func (s *Service) lockConversation(conversationID int64) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[conversationID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// newMessageEnvelope wraps a persisted message for the conversation room.
func newMessageEnvelope(msg Message, clientMsgID string) (v1.Envelope, error) {
	payload, err := json.Marshal(v1.NewMessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Read:           msg.Read,
		CreatedAt:      msg.CreatedAt,
		ClientMsgID:    clientMsgID,
	})
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeNewMessage, payload), nil
}

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id, _ := NewEnvelopeID(now)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}
