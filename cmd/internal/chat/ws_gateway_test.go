package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	v1 "barterhub/shared/contracts/chat/v1"

	"github.com/coder/websocket"

	"barterhub/cmd/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type wsFixture struct {
	store  *InMemoryStore
	hub    *Hub
	svc    *Service
	tokens *auth.Service
	server *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	log := testLogger()
	store := NewInMemoryStore()
	hub := NewHub(log)
	svc := NewService(log, store, NewLocalBackplane(hub))

	tokens, err := auth.NewService(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	originRequired := false
	gw := NewWSGateway(log, hub, svc, tokens, GatewayConfig{
		OriginRequired: &originRequired,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &wsFixture{store: store, hub: hub, svc: svc, tokens: tokens, server: ts}
}

func (f *wsFixture) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := f.tokens.Issue(userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *wsFixture) dial(t *testing.T, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(f.server.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(bearer) != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func (f *wsFixture) connect(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	conn, resp, err := f.dial(t, f.token(t, userID))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial user %d: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "test-" + typ, TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, want string, maxHops int) v1.Envelope {
	t.Helper()

	for i := 0; i < maxHops; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", want, err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("did not receive %q within %d envelopes", want, maxHops)
	return v1.Envelope{}
}

func assertNoRead(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected silence, got: %s", data)
	}
}

func TestWSGatewayRejectsMissingToken(t *testing.T) {
	f := newWSFixture(t)

	_, resp, err := f.dial(t, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestWSGatewayRejectsInvalidToken(t *testing.T) {
	f := newWSFixture(t)

	_, resp, err := f.dial(t, "not-a-token")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestWSGatewayRejectsExpiredToken(t *testing.T) {
	f := newWSFixture(t)

	shortLived, err := auth.NewService(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	expired, err := shortLived.Issue(1, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, resp, dialErr := f.dial(t, expired)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if dialErr == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestWSGatewayJoinAndFanout(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	conv, err := f.store.FindOrCreateConversation(ctx, 1, 2, nil)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	a := f.connect(t, 1)
	b := f.connect(t, 2)

	writeWS(t, a, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conv.ID})
	joined := readUntilType(t, a, v1.TypeJoined, 4)
	var jp v1.JoinedPayload
	if err := json.Unmarshal(joined.Payload, &jp); err != nil {
		t.Fatalf("joined payload: %v", err)
	}
	if jp.ConversationID != conv.ID {
		t.Fatalf("joined conv = %d, want %d", jp.ConversationID, conv.ID)
	}

	writeWS(t, b, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conv.ID})
	_ = readUntilType(t, b, v1.TypeJoined, 4)

	writeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conv.ID,
		ClientMsgID:    "corr-1",
		Content:        "hello from one",
	})

	got := readUntilType(t, b, v1.TypeNewMessage, 4)
	var np v1.NewMessagePayload
	if err := json.Unmarshal(got.Payload, &np); err != nil {
		t.Fatalf("new-message payload: %v", err)
	}
	if np.ConversationID != conv.ID || np.SenderID != 1 || np.Content != "hello from one" {
		t.Fatalf("fanout mismatch: %+v", np)
	}
	if np.ID <= 0 || np.CreatedAt.IsZero() {
		t.Fatalf("persisted fields missing: %+v", np)
	}

	// The sender's own copy carries the correlation token.
	echo := readUntilType(t, a, v1.TypeNewMessage, 4)
	var ep v1.NewMessagePayload
	if err := json.Unmarshal(echo.Payload, &ep); err != nil {
		t.Fatalf("echo payload: %v", err)
	}
	if ep.ClientMsgID != "corr-1" || ep.ID != np.ID {
		t.Fatalf("echo mismatch: %+v", ep)
	}
}

func TestWSGatewayDenialsDoNotLeak(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	conv, err := f.store.FindOrCreateConversation(ctx, 1, 2, nil)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	member := f.connect(t, 1)
	intruder := f.connect(t, 3)

	writeWS(t, member, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conv.ID})
	_ = readUntilType(t, member, v1.TypeJoined, 4)

	// A real conversation the caller is not part of, and one that does not
	// exist at all, must be indistinguishable on the wire.
	writeWS(t, intruder, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conv.ID})
	denied1 := readUntilType(t, intruder, v1.TypeDenied, 4)

	writeWS(t, intruder, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: 9999})
	denied2 := readUntilType(t, intruder, v1.TypeDenied, 4)

	var p1, p2 v1.DeniedPayload
	if err := json.Unmarshal(denied1.Payload, &p1); err != nil {
		t.Fatalf("denied payload: %v", err)
	}
	if err := json.Unmarshal(denied2.Payload, &p2); err != nil {
		t.Fatalf("denied payload: %v", err)
	}
	if p1.Op != v1.TypeJoinChat || p2.Op != v1.TypeJoinChat {
		t.Fatalf("denied ops: %q %q", p1.Op, p2.Op)
	}

	// Send into the room without membership: denied, nothing persisted,
	// nothing broadcast to the member.
	writeWS(t, intruder, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conv.ID,
		Content:        "let me in",
	})
	deniedSend := readUntilType(t, intruder, v1.TypeDenied, 4)
	var ps v1.DeniedPayload
	if err := json.Unmarshal(deniedSend.Payload, &ps); err != nil {
		t.Fatalf("denied payload: %v", err)
	}
	if ps.Op != v1.TypeSendMessage {
		t.Fatalf("denied op = %q", ps.Op)
	}

	if msgs, _ := f.store.ListMessages(ctx, conv.ID, 10); len(msgs) != 0 {
		t.Fatalf("denied send persisted %d messages", len(msgs))
	}
	assertNoRead(t, member, 500*time.Millisecond)
}

func TestWSGatewayEmptyMessageRejected(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	conv, _ := f.store.FindOrCreateConversation(ctx, 1, 2, nil)
	a := f.connect(t, 1)

	writeWS(t, a, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conv.ID})
	_ = readUntilType(t, a, v1.TypeJoined, 4)

	writeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conv.ID,
		Content:        "   ",
	})
	errEnv := readUntilType(t, a, v1.TypeError, 4)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if ep.Code != "empty_message" {
		t.Fatalf("code = %q", ep.Code)
	}

	if msgs, _ := f.store.ListMessages(ctx, conv.ID, 10); len(msgs) != 0 {
		t.Fatal("blank message persisted")
	}
}

func TestWSGatewayInterestNotification(t *testing.T) {
	f := newWSFixture(t)

	f.store.RegisterProduct(Product{ID: 42, OwnerID: 1, Title: "Amp"})

	owner := f.connect(t, 1)
	buyer := f.connect(t, 2)

	writeWS(t, buyer, v1.TypeInterestInProduct, v1.InterestInProductPayload{
		ProductID:      42,
		ProductOwnerID: 1,
	})

	note := readUntilType(t, owner, v1.TypeNewInterestNotification, 4)
	var p v1.NewInterestNotificationPayload
	if err := json.Unmarshal(note.Payload, &p); err != nil {
		t.Fatalf("notification payload: %v", err)
	}
	if p.ProductID != 42 || p.FromUserID != 2 {
		t.Fatalf("notification mismatch: %+v", p)
	}

	// The buyer hears nothing back on the fire-and-forget path.
	assertNoRead(t, buyer, 500*time.Millisecond)
}

func TestWSGatewayLeaveStopsDelivery(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	conv, _ := f.store.FindOrCreateConversation(ctx, 1, 2, nil)

	a := f.connect(t, 1)
	b := f.connect(t, 2)

	writeWS(t, a, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conv.ID})
	_ = readUntilType(t, a, v1.TypeJoined, 4)
	writeWS(t, b, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conv.ID})
	_ = readUntilType(t, b, v1.TypeJoined, 4)

	writeWS(t, b, v1.TypeLeaveChat, v1.LeaveChatPayload{ConversationID: conv.ID})

	// Leave is processed in order before the send that follows it would fan out.
	time.Sleep(100 * time.Millisecond)
	writeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Content: "anyone there"})

	_ = readUntilType(t, a, v1.TypeNewMessage, 4)
	assertNoRead(t, b, 500*time.Millisecond)
}
