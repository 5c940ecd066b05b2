// Package client implements the conversation-side runtime a chat UI embeds:
// local thread state with optimistic sends, the reconnecting socket
// manager, and the typing notifier.
package client

import (
	"sort"
	"sync"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

// EntryState tracks whether a thread entry is confirmed by the server.
type EntryState string

const (
	// EntryPending is an optimistic local echo awaiting the send response.
	EntryPending EntryState = "pending"
	// EntryConfirmed is a server-stamped message.
	EntryConfirmed EntryState = "confirmed"
)

// Entry is one message in the local thread along with its reactions.
type Entry struct {
	State     EntryState
	TempID    string
	Message   protocol.Message
	Reactions []protocol.Reaction
}

// Thread holds the local view of one conversation. It applies optimistic
// sends, reconciles them against server broadcasts, and keeps entries in
// stable timestamp order.
type Thread struct {
	mu      sync.Mutex
	entries []Entry
}

// NewThread creates an empty thread.
func NewThread() *Thread {
	return &Thread{}
}

// AppendPending adds an optimistic entry for a message the user just sent.
// The tempID ties it to the eventual confirmation or rollback.
func (t *Thread) AppendPending(tempID string, message protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Entry{
		State:   EntryPending,
		TempID:  tempID,
		Message: message,
	})
}

// ConfirmPending replaces the pending entry with the server's canonical
// message, in place, so the thread does not visually jump. When the socket
// echo already landed the canonical message, the pending entry is simply
// dropped. Returns false if no pending entry carries the tempID.
func (t *Thread) ConfirmPending(tempID string, message protocol.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	echoed := false
	for _, entry := range t.entries {
		if entry.State == EntryConfirmed && entry.Message.ID == message.ID {
			echoed = true
			break
		}
	}
	for i, entry := range t.entries {
		if entry.State == EntryPending && entry.TempID == tempID {
			if echoed {
				t.entries = append(t.entries[:i], t.entries[i+1:]...)
				return true
			}
			t.entries[i] = Entry{
				State:     EntryConfirmed,
				Message:   message,
				Reactions: entry.Reactions,
			}
			t.sortLocked()
			return true
		}
	}
	return false
}

// Rollback removes a failed optimistic entry and returns its content so the
// UI can restore the draft.
func (t *Thread) Rollback(tempID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, entry := range t.entries {
		if entry.State == EntryPending && entry.TempID == tempID {
			content := entry.Message.Content
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return content, true
		}
	}
	return "", false
}

// ApplyBroadcast merges a broadcast message into the thread. A message
// whose id is already present is dropped, so the sender's own echo never
// duplicates the confirmed send response.
func (t *Thread) ApplyBroadcast(message protocol.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.State == EntryConfirmed && entry.Message.ID == message.ID {
			return false
		}
	}
	t.entries = append(t.entries, Entry{
		State:   EntryConfirmed,
		Message: message,
	})
	t.sortLocked()
	return true
}

// ApplySeen marks every confirmed message as read up to the receipt.
func (t *Thread) ApplySeen(seenAt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, entry := range t.entries {
		if entry.State == EntryConfirmed && !entry.Message.IsRead {
			entry.Message.IsRead = true
			entry.Message.SeenAt = seenAt
			t.entries[i] = entry
		}
	}
}

// ReplaceReactions swaps in the full reaction list for one message. The
// server always broadcasts complete lists, so merging is never needed and
// missed intermediate updates cannot leave the thread divergent.
func (t *Thread) ReplaceReactions(messageID string, reactions []protocol.Reaction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, entry := range t.entries {
		if entry.Message.ID == messageID {
			t.entries[i].Reactions = append([]protocol.Reaction(nil), reactions...)
			return true
		}
	}
	return false
}

// Messages returns a snapshot of the thread in display order.
func (t *Thread) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// sortLocked keeps entries ordered by creation time. The sort is stable so
// same-timestamp messages keep their arrival order, and pending entries
// without a server stamp sink to the end.
func (t *Thread) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		left, right := t.entries[i], t.entries[j]
		if left.State == EntryPending || right.State == EntryPending {
			return right.State == EntryPending && left.State != EntryPending
		}
		return left.Message.CreatedAt < right.Message.CreatedAt
	})
}
