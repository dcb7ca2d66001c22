// Package chatclient provides a Go client for the barterhub chat protocol.
package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "barterhub/shared/contracts/chat/v1"
)

const subprotocol = "barterhub.chat.v1"

// Client is a connected chat session.
type Client struct {
	conn *websocket.Conn

	writeTimeout time.Duration
}

// Options controls how Dial authenticates and behaves.
type Options struct {
	// Token is the signed session token. It is sent as a cookie, matching
	// what a browser session would present.
	Token string

	// CookieName overrides the default session cookie name.
	CookieName string

	// Origin is sent as the Origin header; required by default server policy.
	Origin string

	WriteTimeout time.Duration

	HTTPClient *http.Client
}

// Dial connects to a chat endpoint (ws:// or wss:// URL ending in /ws).
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	cookieName := opts.CookieName
	if cookieName == "" {
		cookieName = "barterhub_token"
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Cookie", fmt.Sprintf("%s=%s", cookieName, opts.Token))
	}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   header,
		HTTPClient:   opts.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}

	return &Client{conn: conn, writeTimeout: wt}, nil
}

// JoinChat subscribes to a conversation room. The server answers with a
// joined ack or a denied event; collect it via Next.
func (c *Client) JoinChat(ctx context.Context, conversationID int64) error {
	return c.send(ctx, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conversationID})
}

// LeaveChat unsubscribes from a conversation room.
func (c *Client) LeaveChat(ctx context.Context, conversationID int64) error {
	return c.send(ctx, v1.TypeLeaveChat, v1.LeaveChatPayload{ConversationID: conversationID})
}

// SendMessage posts content to a conversation and returns the generated
// correlation token. The token reappears in the broadcast new-message event,
// which lets a Timeline replace the optimistic local copy.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (string, error) {
	clientMsgID := uuid.NewString()
	err := c.send(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		Content:        content,
	})
	if err != nil {
		return "", err
	}
	return clientMsgID, nil
}

// ExpressInterest pings the owner of a product over the live channel.
func (c *Client) ExpressInterest(ctx context.Context, productID, ownerID int64) error {
	return c.send(ctx, v1.TypeInterestInProduct, v1.InterestInProductPayload{
		ProductID:      productID,
		ProductOwnerID: ownerID,
	})
}

// Next blocks until the server delivers the next envelope.
func (c *Client) Next(ctx context.Context) (v1.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Close terminates the session.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) send(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}
