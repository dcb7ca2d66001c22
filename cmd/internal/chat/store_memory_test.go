package chat

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFindOrCreateConversationNormalizesPair(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	c1, err := s.FindOrCreateConversation(ctx, 2, 1, nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	c2, err := s.FindOrCreateConversation(ctx, 1, 2, nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if c1.ID != c2.ID {
		t.Fatalf("(2,1) and (1,2) resolved to different conversations: %d vs %d", c1.ID, c2.ID)
	}
	if c1.UserA != 1 || c1.UserB != 2 {
		t.Fatalf("pair not normalized: user_a=%d user_b=%d", c1.UserA, c1.UserB)
	}
}

func TestFindOrCreateConversationDistinctPerProduct(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	p1, p2 := int64(10), int64(20)

	general, err := s.FindOrCreateConversation(ctx, 1, 2, nil)
	if err != nil {
		t.Fatalf("general: %v", err)
	}
	about1, err := s.FindOrCreateConversation(ctx, 1, 2, &p1)
	if err != nil {
		t.Fatalf("product 10: %v", err)
	}
	about2, err := s.FindOrCreateConversation(ctx, 1, 2, &p2)
	if err != nil {
		t.Fatalf("product 20: %v", err)
	}

	if general.ID == about1.ID || about1.ID == about2.ID || general.ID == about2.ID {
		t.Fatalf("expected three distinct conversations, got %d %d %d", general.ID, about1.ID, about2.ID)
	}

	again, err := s.FindOrCreateConversation(ctx, 2, 1, &p1)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if again.ID != about1.ID {
		t.Fatalf("product conversation not stable: %d vs %d", again.ID, about1.ID)
	}
}

func TestFindOrCreateConversationConcurrent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	pid := int64(5)

	const goroutines = 16
	ids := make([]int64, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.FindOrCreateConversation(ctx, 3, 4, &pid)
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent resolves disagreed: %v", ids)
		}
	}
}

func TestFindOrCreateConversationRejectsSelfPair(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.FindOrCreateConversation(context.Background(), 7, 7, nil); err == nil {
		t.Fatal("expected error for a self-conversation")
	}
}

func TestAppendMessageUpdatesRecency(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	conv, err := s.FindOrCreateConversation(ctx, 1, 2, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	now := time.Now().UTC()
	msg, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       1,
		Content:        "first",
		Preview:        "first",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID <= 0 {
		t.Fatalf("message id not assigned: %d", msg.ID)
	}
	if msg.Read {
		t.Fatal("new message must start unread")
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessage != "first" {
		t.Fatalf("last_message = %q, want %q", got.LastMessage, "first")
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, now)
	}
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: 999,
		SenderID:       1,
		Content:        "x",
	})
	if err != ErrConversationNotFound {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestListMessagesAscendingOrder(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	conv, _ := s.FindOrCreateConversation(ctx, 1, 2, nil)
	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID,
			SenderID:       1,
			Content:        "m",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("len = %d, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not ascending: %d then %d", msgs[i-1].ID, msgs[i].ID)
		}
	}
}

func TestMarkReadOnlyCounterpartMessages(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	conv, _ := s.FindOrCreateConversation(ctx, 1, 2, nil)
	_, _ = s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, SenderID: 1, Content: "from 1"})
	_, _ = s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, SenderID: 2, Content: "from 2"})

	if err := s.MarkRead(ctx, conv.ID, 2); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, conv.ID, 50)
	for _, m := range msgs {
		switch m.SenderID {
		case 1:
			if !m.Read {
				t.Fatalf("counterpart message %d should be read", m.ID)
			}
		case 2:
			if m.Read {
				t.Fatalf("reader's own message %d must stay unread", m.ID)
			}
		}
	}
}

func TestListConversationsOrderAndSummary(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	s.RegisterUser(User{ID: 2, Name: "Dana", Picture: "dana.png"})
	s.RegisterUser(User{ID: 3, Name: "Kim"})
	s.RegisterProduct(Product{ID: 10, OwnerID: 2, Title: "Vintage bike"})

	pid := int64(10)
	older, _ := s.FindOrCreateConversation(ctx, 1, 2, &pid)
	newer, _ := s.FindOrCreateConversation(ctx, 1, 3, nil)

	base := time.Now().UTC()
	_, _ = s.AppendMessage(ctx, AppendMessageInput{ConversationID: older.ID, SenderID: 2, Content: "a", Preview: "a", Now: base})
	_, _ = s.AppendMessage(ctx, AppendMessageInput{ConversationID: newer.ID, SenderID: 3, Content: "b", Preview: "b", Now: base.Add(time.Minute)})

	sums, err := s.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("len = %d, want 2", len(sums))
	}
	if sums[0].ID != newer.ID {
		t.Fatalf("most recently updated conversation must come first, got %d", sums[0].ID)
	}

	var bike ConversationSummary
	for _, s := range sums {
		if s.ID == older.ID {
			bike = s
		}
	}
	if bike.OtherUserID != 2 || bike.OtherUserName != "Dana" || bike.OtherUserPicture != "dana.png" {
		t.Fatalf("counterpart fields wrong: %+v", bike)
	}
	if bike.ProductTitle != "Vintage bike" {
		t.Fatalf("product title = %q", bike.ProductTitle)
	}
}

func TestPreviewTruncation(t *testing.T) {
	short := "under the limit"
	if got := Preview(short); got != short {
		t.Fatalf("short content must pass through, got %q", got)
	}

	long := make([]rune, 150)
	for i := range long {
		long[i] = 'x'
	}
	got := Preview(string(long))
	if len([]rune(got)) != previewMaxChars+3 {
		t.Fatalf("truncated preview length = %d runes", len([]rune(got)))
	}
	if got[len(got)-3:] != "..." {
		t.Fatalf("preview missing ellipsis: %q", got)
	}
}

func TestInMemoryStoreConversationAnchorIsNotAliased(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	pid := int64(10)
	conv, err := s.FindOrCreateConversation(ctx, 1, 2, &pid)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	// Mutating the caller's pointer must not rewrite the stored anchor.
	pid = 999
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ProductID == nil || *got.ProductID != 10 {
		t.Fatalf("stored anchor changed: %v", got.ProductID)
	}

	// Same in the other direction: a returned row is a copy.
	*got.ProductID = 555
	again, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if again.ProductID == nil || *again.ProductID != 10 {
		t.Fatalf("stored anchor changed through returned row: %v", again.ProductID)
	}
}
