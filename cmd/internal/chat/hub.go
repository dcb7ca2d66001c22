package chat

import (
	"fmt"
	"log/slog"
	"sync"

	v1 "barterhub/shared/contracts/chat/v1"
)

// Hub owns the subscription topology: one room per conversation the process is
// serving, one personal room per connected user. Authorization happens before
// Hub calls; the Hub itself only tracks membership and fans out.
type Hub struct {
	log *slog.Logger

	mu            sync.RWMutex
	conversations map[int64]*Room
	users         map[int64]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:           log,
		conversations: make(map[int64]*Room),
		users:         make(map[int64]*Room),
	}
}

// JoinConversation subscribes client to the conversation room, creating the
// room on first use.
func (h *Hub) JoinConversation(conversationID int64, client *Client) {
	if h == nil || client == nil {
		return
	}

	// Membership changes happen under h.mu so a join can never land in a
	// room that pruning is deleting from the map at the same moment.
	h.mu.Lock()
	room, ok := h.conversations[conversationID]
	if !ok {
		room = NewRoom(fmt.Sprintf("conv:%d", conversationID))
		h.conversations[conversationID] = room
	}
	room.Join(client)
	h.mu.Unlock()

	h.log.Info("hub.conversation.join", "conversation_id", conversationID, "session_id", client.SessionID, "user_id", client.UserID)
}

// LeaveConversation unsubscribes the session from the conversation room;
// idempotent, no-op for unknown rooms.
func (h *Hub) LeaveConversation(conversationID int64, sessionID string) {
	if h == nil {
		return
	}

	h.mu.Lock()
	room := h.conversations[conversationID]
	if room == nil {
		h.mu.Unlock()
		return
	}
	room.Leave(sessionID)
	if room.Len() == 0 {
		delete(h.conversations, conversationID)
	}
	h.mu.Unlock()

	h.log.Info("hub.conversation.leave", "conversation_id", conversationID, "session_id", sessionID)
}

// JoinUser subscribes client to its personal notification room. Called once
// per connection, right after authentication.
func (h *Hub) JoinUser(client *Client) {
	if h == nil || client == nil {
		return
	}

	h.mu.Lock()
	room, ok := h.users[client.UserID]
	if !ok {
		room = NewRoom(fmt.Sprintf("user:%d", client.UserID))
		h.users[client.UserID] = room
	}
	room.Join(client)
	h.mu.Unlock()
}

// BroadcastConversation fans env out to every member of the conversation room.
func (h *Hub) BroadcastConversation(conversationID int64, env v1.Envelope) {
	if h == nil {
		return
	}
	h.mu.RLock()
	room := h.conversations[conversationID]
	h.mu.RUnlock()

	if room == nil {
		return
	}
	room.Broadcast(env)
	broadcastsTotal.WithLabelValues("conversation").Inc()
}

// BroadcastUser delivers env to every live connection of one user.
func (h *Hub) BroadcastUser(userID int64, env v1.Envelope) {
	if h == nil {
		return
	}
	h.mu.RLock()
	room := h.users[userID]
	h.mu.RUnlock()

	if room == nil {
		return
	}
	room.Broadcast(env)
	broadcastsTotal.WithLabelValues("user").Inc()
}

// InConversation reports whether the session is subscribed to the conversation room.
func (h *Hub) InConversation(conversationID int64, sessionID string) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	room := h.conversations[conversationID]
	h.mu.RUnlock()
	return room.Has(sessionID)
}

// Drop removes the client from every room and signals its shutdown. Called on
// disconnect regardless of cause, so no explicit per-room leave is required
// for cleanup correctness.
func (h *Hub) Drop(client *Client) {
	if h == nil || client == nil {
		return
	}

	h.mu.Lock()
	var emptied []int64
	for id, room := range h.conversations {
		room.Leave(client.SessionID)
		if room.Len() == 0 {
			emptied = append(emptied, id)
		}
	}
	for _, id := range emptied {
		delete(h.conversations, id)
	}
	if room := h.users[client.UserID]; room != nil {
		room.Leave(client.SessionID)
		if room.Len() == 0 {
			delete(h.users, client.UserID)
		}
	}
	h.mu.Unlock()

	client.Close()
	h.log.Info("hub.drop", "session_id", client.SessionID, "user_id", client.UserID)
}
