package chatclient

import (
	"time"

	"github.com/google/uuid"

	v1 "barterhub/shared/contracts/chat/v1"
)

// Entry is one rendered message. Pending entries are optimistic local copies
// awaiting server confirmation; their IDs are negative placeholders that a
// confirmed server id later replaces.
type Entry struct {
	ID          int64
	ClientMsgID string
	SenderID    int64
	Content     string
	CreatedAt   time.Time
	Pending     bool
}

// Timeline reconciles a locally rendered conversation with the server's
// broadcast stream. Without the correlation token a sender would see its own
// message twice: once optimistic, once echoed back.
type Timeline struct {
	entries   []Entry
	nextLocal int64
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{nextLocal: -1}
}

// AppendLocal records an optimistic entry for a message the user just sent
// and returns it. Feed Entry.ClientMsgID into SendMessagePayload so the
// broadcast echo can find this entry again.
func (t *Timeline) AppendLocal(senderID int64, content string) Entry {
	e := Entry{
		ID:          t.nextLocal,
		ClientMsgID: uuid.NewString(),
		SenderID:    senderID,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
		Pending:     true,
	}
	t.nextLocal--
	t.entries = append(t.entries, e)
	return e
}

// Apply folds a broadcast new-message event into the timeline:
//   - an event whose server id is already present is dropped (redelivery),
//   - an event carrying a known correlation token confirms the pending entry
//     in place,
//   - anything else is a counterpart message and is appended.
func (t *Timeline) Apply(p v1.NewMessagePayload) {
	for i := range t.entries {
		if !t.entries[i].Pending && t.entries[i].ID == p.ID {
			return
		}
	}

	if p.ClientMsgID != "" {
		for i := range t.entries {
			if t.entries[i].Pending && t.entries[i].ClientMsgID == p.ClientMsgID {
				t.entries[i] = Entry{
					ID:          p.ID,
					ClientMsgID: p.ClientMsgID,
					SenderID:    p.SenderID,
					Content:     p.Content,
					CreatedAt:   p.CreatedAt,
				}
				return
			}
		}
	}

	t.entries = append(t.entries, Entry{
		ID:        p.ID,
		SenderID:  p.SenderID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
	})
}

// Entries returns the current render order.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Pending reports how many optimistic entries still await confirmation.
func (t *Timeline) Pending() int {
	n := 0
	for _, e := range t.entries {
		if e.Pending {
			n++
		}
	}
	return n
}
