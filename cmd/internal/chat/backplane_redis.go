package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	v1 "barterhub/shared/contracts/chat/v1"
)

// RedisBackplane fans broadcasts out through Redis pub/sub so every server
// process behind the load balancer delivers to its own local rooms.
//
// Ownership model: the backplane owns its subscription but not the client;
// the caller closes the client after Close returns.
type RedisBackplane struct {
	log    *slog.Logger
	client *redis.Client
	hub    *Hub

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBackplane subscribes to the chat topic space and starts the local
// delivery loop. ctx bounds the subscription handshake only.
func NewRedisBackplane(ctx context.Context, log *slog.Logger, client *redis.Client, hub *Hub) (*RedisBackplane, error) {
	pubsub := client.PSubscribe(ctx, topicConversationPrefix+"*", topicUserPrefix+"*")

	// Force the subscription onto the wire before the first Publish can race it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	b := &RedisBackplane{
		log:    log,
		client: client,
		hub:    hub,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *RedisBackplane) run() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		b.deliver(msg.Channel, []byte(msg.Payload))
	}
}

func (b *RedisBackplane) deliver(topic string, payload []byte) {
	kind, id, err := parseTopic(topic)
	if err != nil {
		b.log.Warn("backplane.redis.topic.unknown", "topic", topic)
		return
	}

	var env v1.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Warn("backplane.redis.decode.fail", "topic", topic, "err", err)
		return
	}

	switch kind {
	case "conversation":
		b.hub.BroadcastConversation(id, env)
	case "user":
		b.hub.BroadcastUser(id, env)
	}
}

// PublishConversation publishes to the conversation topic; every process's
// delivery loop (including this one's) fans out to its local room.
func (b *RedisBackplane) PublishConversation(ctx context.Context, conversationID int64, env v1.Envelope) error {
	return b.publish(ctx, conversationTopic(conversationID), env)
}

// PublishUser publishes to the user's personal topic.
func (b *RedisBackplane) PublishUser(ctx context.Context, userID int64, env v1.Envelope) error {
	return b.publish(ctx, userTopic(userID), env)
}

func (b *RedisBackplane) publish(ctx context.Context, topic string, env v1.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Close tears down the subscription and waits for the delivery loop to drain.
func (b *RedisBackplane) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}

var _ Backplane = (*RedisBackplane)(nil)
