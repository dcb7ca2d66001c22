// Package main provides a CI-friendly WebSocket smoke test for barterhub chat.
//
// It validates:
//   - handshake + subprotocol selection with cookie auth
//   - join-chat -> joined ack for both participants
//   - send-message -> new-message fanout to the counterpart
//   - client_msg_id echo on the sender's own copy
//
// The target conversation must already exist and both user ids must be its
// participants (seed the database or use the in-memory store's dev seeds).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	v1 "barterhub/shared/contracts/chat/v1"

	"barterhub/clients/go/chatclient"
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		secret  = flag.String("secret", "", "JWT signing secret (matches BARTERHUB_JWT_SECRET)")
		tokenA  = flag.String("token-a", "", "Pre-minted token for user A (skips -secret minting)")
		tokenB  = flag.String("token-b", "", "Pre-minted token for user B (skips -secret minting)")
		userA   = flag.Int64("user-a", 1, "Sender user id")
		userB   = flag.Int64("user-b", 2, "Receiver user id")
		convID  = flag.Int64("conv", 1, "Conversation id both users participate in")
		text    = flag.String("text", "smoke hello", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
	)
	flag.Parse()

	if *secret == "" && (*tokenA == "" || *tokenB == "") {
		fatalf("-secret or both -token-a/-token-b are required")
	}

	root := context.Background()

	a := mustDial(root, credential(*tokenA, *secret, *userA), *wsURL, *origin, *userA, *timeout)
	defer func() { _ = a.Close() }()
	b := mustDial(root, credential(*tokenB, *secret, *userB), *wsURL, *origin, *userB, *timeout)
	defer func() { _ = b.Close() }()

	mustJoin(root, a, "A", *convID, *timeout)
	mustJoin(root, b, "B", *convID, *timeout)

	clientMsgID, err := a.SendMessage(root, *convID, *text)
	if err != nil {
		fatalf("send: %v", err)
	}

	got := mustNewMessage(root, b, "B", *timeout)
	if got.ConversationID != *convID || got.SenderID != *userA || got.Content != *text {
		fatalf("fanout mismatch: %+v", got)
	}
	if got.ID <= 0 || got.CreatedAt.IsZero() {
		fatalf("fanout missing server fields: %+v", got)
	}

	echo := mustNewMessage(root, a, "A", *timeout)
	if echo.ClientMsgID != clientMsgID {
		fatalf("echo client_msg_id mismatch: got=%q want=%q", echo.ClientMsgID, clientMsgID)
	}
	if echo.ID != got.ID {
		fatalf("echo id mismatch: got=%d want=%d", echo.ID, got.ID)
	}

	fmt.Printf("OK: conv=%d msg_id=%d client_msg_id=%s\n", *convID, got.ID, clientMsgID)
}

// credential returns the pre-minted token when given, otherwise signs one
// with the shared secret using the server's claims shape.
func credential(preMinted, secret string, userID int64) string {
	if preMinted != "" {
		return preMinted
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"user_id": userID,
		"iss":     "barterhub",
		"iat":     jwt.NewNumericDate(now),
		"exp":     jwt.NewNumericDate(now.Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fatalf("sign token for user %d: %v", userID, err)
	}
	return token
}

func mustDial(parent context.Context, token, wsURL, origin string, userID int64, stepTimeout time.Duration) *chatclient.Client {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	c, err := chatclient.Dial(ctx, wsURL, chatclient.Options{
		Token:  token,
		Origin: origin,
	})
	if err != nil {
		fatalf("dial user %d: %v", userID, err)
	}
	return c
}

func mustJoin(parent context.Context, c *chatclient.Client, name string, convID int64, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := c.JoinChat(ctx, convID); err != nil {
		fatalf("join (%s): %v", name, err)
	}

	env := mustNext(ctx, c, name)
	switch env.Type {
	case v1.TypeJoined:
		var p v1.JoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("joined payload (%s): %v", name, err)
		}
		if p.ConversationID != convID {
			fatalf("joined conv mismatch (%s): got=%d want=%d", name, p.ConversationID, convID)
		}
	case v1.TypeDenied:
		fatalf("join denied (%s): conv=%d", name, convID)
	default:
		fatalf("unexpected envelope while joining (%s): %q", name, env.Type)
	}
}

func mustNewMessage(parent context.Context, c *chatclient.Client, name string, stepTimeout time.Duration) v1.NewMessagePayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := mustNext(ctx, c, name)
		switch env.Type {
		case v1.TypeNewMessage:
			var p v1.NewMessagePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				fatalf("new-message payload (%s): %v", name, err)
			}
			return p
		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", name, ep.Code, ep.Message)
		case v1.TypeDenied:
			fatalf("denied while waiting for new-message (%s)", name)
		default:
			// joined acks and notifications may interleave; keep reading.
		}
	}
}

func mustNext(ctx context.Context, c *chatclient.Client, name string) v1.Envelope {
	env, err := c.Next(ctx)
	if err != nil {
		fatalf("read (%s): %v", name, err)
	}
	if err := env.Validate(); err != nil {
		fatalf("bad envelope (%s): %v", name, err)
	}
	return env
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
