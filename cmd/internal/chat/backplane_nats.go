package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	v1 "barterhub/shared/contracts/chat/v1"
)

// NATSBackplane is the Backplane variant for deployments that already run a
// NATS cluster. Subjects mirror the Redis topic scheme (chat.conv.<id>,
// chat.user.<id>), with the wildcard token replacing the prefix match.
//
// The connection is owned by the caller; Close drains only the subscriptions.
type NATSBackplane struct {
	log  *slog.Logger
	conn *nats.Conn
	hub  *Hub

	subs []*nats.Subscription
}

// NewNATSBackplane subscribes to the chat subject space and starts delivering
// to the local hub.
func NewNATSBackplane(log *slog.Logger, conn *nats.Conn, hub *Hub) (*NATSBackplane, error) {
	b := &NATSBackplane{log: log, conn: conn, hub: hub}

	for _, subject := range []string{topicConversationPrefix + "*", topicUserPrefix + "*"} {
		sub, err := conn.Subscribe(subject, b.deliver)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.subs = append(b.subs, sub)
	}
	return b, nil
}

func (b *NATSBackplane) deliver(msg *nats.Msg) {
	kind, id, err := parseTopic(msg.Subject)
	if err != nil {
		b.log.Warn("backplane.nats.subject.unknown", "subject", msg.Subject)
		return
	}

	var env v1.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("backplane.nats.decode.fail", "subject", msg.Subject, "err", err)
		return
	}

	switch kind {
	case "conversation":
		b.hub.BroadcastConversation(id, env)
	case "user":
		b.hub.BroadcastUser(id, env)
	}
}

// PublishConversation publishes to the conversation subject.
func (b *NATSBackplane) PublishConversation(_ context.Context, conversationID int64, env v1.Envelope) error {
	return b.publish(conversationTopic(conversationID), env)
}

// PublishUser publishes to the user's personal subject.
func (b *NATSBackplane) PublishUser(_ context.Context, userID int64, env v1.Envelope) error {
	return b.publish(userTopic(userID), env)
}

func (b *NATSBackplane) publish(subject string, env v1.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, payload)
}

// Close unsubscribes; the NATS connection stays open for its owner.
func (b *NATSBackplane) Close() error {
	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.subs = nil
	return firstErr
}

var _ Backplane = (*NATSBackplane)(nil)
