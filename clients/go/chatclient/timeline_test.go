package chatclient

import (
	"testing"
	"time"

	v1 "barterhub/shared/contracts/chat/v1"
)

func TestTimelineConfirmReplacesOptimisticEntry(t *testing.T) {
	tl := NewTimeline()

	local := tl.AppendLocal(7, "hello")
	if local.ID >= 0 {
		t.Fatalf("local entry should carry a negative placeholder id, got %d", local.ID)
	}
	if tl.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", tl.Pending())
	}

	tl.Apply(v1.NewMessagePayload{
		ID:             101,
		ConversationID: 1,
		SenderID:       7,
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
		ClientMsgID:    local.ClientMsgID,
	})

	got := tl.Entries()
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1 (echo must not duplicate)", len(got))
	}
	if got[0].ID != 101 || got[0].Pending {
		t.Fatalf("entry not confirmed: %+v", got[0])
	}
	if tl.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", tl.Pending())
	}
}

func TestTimelineAppendsCounterpartMessages(t *testing.T) {
	tl := NewTimeline()
	tl.AppendLocal(7, "mine")

	tl.Apply(v1.NewMessagePayload{ID: 55, SenderID: 9, Content: "theirs"})

	got := tl.Entries()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[1].ID != 55 || got[1].SenderID != 9 {
		t.Fatalf("unexpected counterpart entry: %+v", got[1])
	}
}

func TestTimelineDropsRedeliveredEvents(t *testing.T) {
	tl := NewTimeline()

	ev := v1.NewMessagePayload{ID: 3, SenderID: 2, Content: "once"}
	tl.Apply(ev)
	tl.Apply(ev)

	if got := len(tl.Entries()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

func TestTimelineUncorrelatedEchoAppends(t *testing.T) {
	// A peer client that never sends a correlation token gets the echo
	// appended as a regular message; nothing is guessed by content.
	tl := NewTimeline()
	tl.AppendLocal(7, "hello")

	tl.Apply(v1.NewMessagePayload{ID: 8, SenderID: 7, Content: "hello"})

	if got := len(tl.Entries()); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}
	if tl.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", tl.Pending())
	}
}
