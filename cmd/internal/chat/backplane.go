package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	v1 "barterhub/shared/contracts/chat/v1"
)

// Backplane carries broadcasts from the pipeline to room subscribers.
//
// A single-process deployment uses LocalBackplane, which hands envelopes
// straight to the in-memory Hub. Multi-process deployments run Redis or NATS
// behind the same interface so a broadcast reaches subscribers regardless of
// which process handled their join.
type Backplane interface {
	PublishConversation(ctx context.Context, conversationID int64, env v1.Envelope) error
	PublishUser(ctx context.Context, userID int64, env v1.Envelope) error
	Close() error
}

// Topic scheme shared by the Redis and NATS backplanes.
const (
	topicConversationPrefix = "chat.conv."
	topicUserPrefix         = "chat.user."
)

func conversationTopic(id int64) string {
	return topicConversationPrefix + strconv.FormatInt(id, 10)
}

func userTopic(id int64) string {
	return topicUserPrefix + strconv.FormatInt(id, 10)
}

// parseTopic splits a backplane topic back into room kind and id.
func parseTopic(topic string) (kind string, id int64, err error) {
	switch {
	case strings.HasPrefix(topic, topicConversationPrefix):
		kind = "conversation"
		id, err = strconv.ParseInt(strings.TrimPrefix(topic, topicConversationPrefix), 10, 64)
	case strings.HasPrefix(topic, topicUserPrefix):
		kind = "user"
		id, err = strconv.ParseInt(strings.TrimPrefix(topic, topicUserPrefix), 10, 64)
	default:
		err = fmt.Errorf("chat: unknown topic %q", topic)
	}
	return kind, id, err
}

// LocalBackplane delivers broadcasts to the in-process Hub only.
type LocalBackplane struct {
	hub *Hub
}

// NewLocalBackplane wires the hub directly; suitable when exactly one server
// process is running.
func NewLocalBackplane(hub *Hub) *LocalBackplane {
	return &LocalBackplane{hub: hub}
}

func (b *LocalBackplane) PublishConversation(_ context.Context, conversationID int64, env v1.Envelope) error {
	b.hub.BroadcastConversation(conversationID, env)
	return nil
}

func (b *LocalBackplane) PublishUser(_ context.Context, userID int64, env v1.Envelope) error {
	b.hub.BroadcastUser(userID, env)
	return nil
}

func (b *LocalBackplane) Close() error { return nil }

var _ Backplane = (*LocalBackplane)(nil)
