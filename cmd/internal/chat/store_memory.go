package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a dev/test fallback used when no DATABASE_URL is
// configured. It enforces the same invariants as the Postgres store: one
// conversation per normalized (pair, product) triple, monotonic message ids,
// atomic append + recency update.
type InMemoryStore struct {
	mu sync.Mutex

	nextConvID int64
	nextMsgID  int64

	convs  map[int64]*Conversation
	byKey  map[convKey]int64
	msgs   map[int64][]Message
	users  map[int64]User
	prods  map[int64]Product
}

type convKey struct {
	userA   int64
	userB   int64
	product int64 // 0 encodes "no product"
}

// snapshotConversation copies the stored row so callers never share the
// retained ProductID pointer.
func snapshotConversation(c *Conversation) Conversation {
	out := *c
	if c.ProductID != nil {
		pid := *c.ProductID
		out.ProductID = &pid
	}
	return out
}

// User is the slice of the account system the inbox list needs.
type User struct {
	ID      int64
	Name    string
	Picture string
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[int64]*Conversation),
		byKey: make(map[convKey]int64),
		msgs:  make(map[int64][]Message),
		users: make(map[int64]User),
		prods: make(map[int64]Product),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// RegisterUser seeds a user for conversation summaries.
func (s *InMemoryStore) RegisterUser(u User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// RegisterProduct seeds a product for interest calls.
func (s *InMemoryStore) RegisterProduct(p Product) {
	s.mu.Lock()
	s.prods[p.ID] = p
	s.mu.Unlock()
}

// FindOrCreateConversation resolves the (pair, product) triple to exactly one
// conversation; the map key plays the role of the DB uniqueness constraint.
func (s *InMemoryStore) FindOrCreateConversation(ctx context.Context, userA, userB int64, productID *int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if userA <= 0 || userB <= 0 || userA == userB {
		return Conversation{}, errors.New("chat: invalid participant pair")
	}

	a, b := NormalizePair(userA, userB)
	key := convKey{userA: a, userB: b}
	if productID != nil {
		key.product = *productID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		return snapshotConversation(s.convs[id]), nil
	}

	// Copy the product id so callers mutating their pointer afterwards
	// cannot rewrite the stored anchor.
	var anchor *int64
	if productID != nil {
		pid := *productID
		anchor = &pid
	}

	now := time.Now().UTC()
	s.nextConvID++
	conv := &Conversation{
		ID:        s.nextConvID,
		UserA:     a,
		UserB:     b,
		ProductID: anchor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[conv.ID] = conv
	s.byKey[key] = conv.ID
	return snapshotConversation(conv), nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return snapshotConversation(conv), nil
}

// ListConversations returns the user's conversations, most recently updated
// first, with counterpart display fields.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationSummary, 0, 8)
	for _, conv := range s.convs {
		if !conv.HasParticipant(userID) {
			continue
		}
		sum := ConversationSummary{
			Conversation: snapshotConversation(conv),
			OtherUserID:  conv.Counterpart(userID),
		}
		if u, ok := s.users[sum.OtherUserID]; ok {
			sum.OtherUserName = u.Name
			sum.OtherUserPicture = u.Picture
		}
		if conv.ProductID != nil {
			if p, ok := s.prods[*conv.ProductID]; ok {
				sum.ProductTitle = p.Title
			}
		}
		out = append(out, sum)
	}

	// Inbox order: updated_at DESC, id DESC as tiebreak.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// AppendMessage stores a message and updates the conversation recency fields
// under one lock, mirroring the Postgres store's transaction.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if in.ConversationID <= 0 || in.SenderID <= 0 || in.Content == "" {
		return Message{}, errors.New("chat: invalid append input")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}

	s.nextMsgID++
	msg := Message{
		ID:             s.nextMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      now,
	}
	s.msgs[in.ConversationID] = append(s.msgs[in.ConversationID], msg)

	// Bound memory to avoid unbounded growth in dev.
	if n := len(s.msgs[in.ConversationID]); n > memMaxMessagesPerConversation {
		s.msgs[in.ConversationID] = s.msgs[in.ConversationID][n-memMaxMessagesPerConversation:]
	}

	conv.LastMessage = in.Preview
	conv.UpdatedAt = now
	return msg, nil
}

// ListMessages returns up to limit messages ordered by id ASC.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = historyWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.msgs[conversationID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]Message(nil), msgs...), nil
}

// MarkRead flags every unread message from the other participant as read.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.msgs[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != readerID && !msgs[i].Read {
			msgs[i].Read = true
		}
	}
	return nil
}

// SetLastMessage primes the conversation preview outside the message path
// (used by express-interest).
func (s *InMemoryStore) SetLastMessage(ctx context.Context, conversationID int64, preview string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.LastMessage = preview
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// GetProduct returns a seeded product.
func (s *InMemoryStore) GetProduct(ctx context.Context, id int64) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prods[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

var _ Store = (*InMemoryStore)(nil)
