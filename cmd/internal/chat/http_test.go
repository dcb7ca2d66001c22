package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"barterhub/cmd/internal/auth"
)

type httpFixture struct {
	store  *InMemoryStore
	bus    *recordingBackplane
	tokens *auth.Service
	server *httptest.Server
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()

	store := NewInMemoryStore()
	bus := &recordingBackplane{}
	svc := NewService(testLogger(), store, bus)

	tokens, err := auth.NewService(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	h := NewHandler(testLogger(), svc, tokens, "")
	mux := http.NewServeMux()
	h.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &httpFixture{store: store, bus: bus, tokens: tokens, server: ts}
}

func (f *httpFixture) do(t *testing.T, method, path string, userID int64, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID > 0 {
		tok, err := f.tokens.Issue(userID, time.Now().UTC())
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHTTPRequiresAuth(t *testing.T) {
	f := newHTTPFixture(t)

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/chat/conversations"},
		{http.MethodGet, "/api/chat/conversations/1/messages"},
		{http.MethodPost, "/api/chat/messages"},
		{http.MethodPost, "/api/products/1/interest"},
	}
	for _, p := range paths {
		resp := f.do(t, p.method, p.path, 0, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: status %d, want 401", p.method, p.path, resp.StatusCode)
		}
	}
}

func TestHTTPListConversations(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	f.store.RegisterUser(User{ID: 2, Name: "Dana"})
	conv, _ := f.store.FindOrCreateConversation(ctx, 1, 2, nil)
	_, _ = f.store.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, SenderID: 2, Content: "hey", Preview: "hey"})

	resp := f.do(t, http.MethodGet, "/api/chat/conversations", 1, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out listConversationsResponse
	decodeBody(t, resp, &out)
	if len(out.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(out.Conversations))
	}
	got := out.Conversations[0]
	if got.ID != conv.ID || got.OtherUserID != 2 || got.OtherUserName != "Dana" || got.LastMessage != "hey" {
		t.Fatalf("summary mismatch: %+v", got)
	}
}

func TestHTTPMessagesMarksRead(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	conv, _ := f.store.FindOrCreateConversation(ctx, 1, 2, nil)
	_, _ = f.store.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, SenderID: 2, Content: "unread", Preview: "unread"})

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/api/chat/conversations/%d/messages", conv.ID), 1, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out listMessagesResponse
	decodeBody(t, resp, &out)
	if len(out.Messages) != 1 {
		t.Fatalf("messages = %d", len(out.Messages))
	}
	if !out.Messages[0].Read {
		t.Fatal("fetching history must mark the counterpart's messages read")
	}
}

func TestHTTPMessagesAccessControl(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	conv, _ := f.store.FindOrCreateConversation(ctx, 1, 2, nil)

	if resp := f.do(t, http.MethodGet, fmt.Sprintf("/api/chat/conversations/%d/messages", conv.ID), 3, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-participant status = %d, want 403", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/chat/conversations/9999/messages", 1, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d, want 404", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/chat/conversations/abc/messages", 1, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage id status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPSendMessageBroadcasts(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	conv, _ := f.store.FindOrCreateConversation(ctx, 1, 2, nil)

	resp := f.do(t, http.MethodPost, "/api/chat/messages", 1, sendMessageRequest{
		ConversationID: conv.ID,
		Content:        "posted over REST",
		ClientMsgID:    "rest-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var out sendMessageResponse
	decodeBody(t, resp, &out)
	if out.Message.ID <= 0 || out.Message.Content != "posted over REST" {
		t.Fatalf("response message: %+v", out.Message)
	}

	// The REST path runs the same pipeline: persisted and broadcast.
	pubs := f.bus.all()
	if len(pubs) != 1 || pubs[0].kind != "conversation" || pubs[0].id != conv.ID {
		t.Fatalf("publishes = %+v", pubs)
	}
}

func TestHTTPSendMessageValidation(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	conv, _ := f.store.FindOrCreateConversation(ctx, 1, 2, nil)

	if resp := f.do(t, http.MethodPost, "/api/chat/messages", 1, sendMessageRequest{ConversationID: conv.ID, Content: "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank content status = %d, want 400", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/chat/messages", 3, sendMessageRequest{ConversationID: conv.ID, Content: "hi"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-participant status = %d, want 403", resp.StatusCode)
	}
}

func TestHTTPInterestDoubleClick(t *testing.T) {
	f := newHTTPFixture(t)

	f.store.RegisterProduct(Product{ID: 10, OwnerID: 2, Title: "Dresser"})

	first := f.do(t, http.MethodPost, "/api/products/10/interest", 1, nil)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	var r1 interestResponse
	decodeBody(t, first, &r1)

	second := f.do(t, http.MethodPost, "/api/products/10/interest", 1, nil)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d", second.StatusCode)
	}
	var r2 interestResponse
	decodeBody(t, second, &r2)

	if r1.ConversationID != r2.ConversationID {
		t.Fatalf("double click made two conversations: %d vs %d", r1.ConversationID, r2.ConversationID)
	}
	if r1.OwnerID != 2 {
		t.Fatalf("owner = %d", r1.OwnerID)
	}
}

func TestHTTPInterestRejections(t *testing.T) {
	f := newHTTPFixture(t)

	f.store.RegisterProduct(Product{ID: 10, OwnerID: 2, Title: "Dresser"})

	if resp := f.do(t, http.MethodPost, "/api/products/10/interest", 2, nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("own product status = %d, want 422", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/products/404/interest", 1, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown product status = %d, want 404", resp.StatusCode)
	}
}
