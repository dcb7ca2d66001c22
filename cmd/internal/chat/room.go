package chat

import (
	"sync"

	v1 "barterhub/shared/contracts/chat/v1"
)

// Room is an in-memory membership + broadcast fanout primitive. One room
// exists per conversation, plus one personal room per connected user.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	name string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs an empty room.
func NewRoom(name string) *Room {
	return &Room{
		name:    name,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership. A client may be a member of any number of
// rooms at once, so Leave never tears the client down.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}
	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()
}

// Leave removes a session from membership; idempotent.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}
	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()
}

// Len returns the current member count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Has reports whether sessionID is a member.
func (r *Room) Has(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
		}
	}
}
