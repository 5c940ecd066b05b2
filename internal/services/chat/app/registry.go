package app

import (
	"sync"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

// EventWriter delivers one encoded event to a connected peer.
type EventWriter interface {
	WriteEvent(event protocol.Event) error
}

// Handle identifies one live connection inside a conversation. A user with
// several tabs open holds several handles.
type Handle struct {
	conversationID string
	role           protocol.Role
	userID         string
	writer         EventWriter
}

// Role returns which side of the conversation this handle belongs to.
func (h *Handle) Role() protocol.Role { return h.role }

// UserID returns the authenticated identity behind this handle.
func (h *Handle) UserID() string { return h.userID }

// Registry tracks live connection handles per conversation and fans events
// out to them. A handle whose write fails is dropped silently; the peer's
// own read loop notices the dead socket and exits.
type Registry struct {
	mu            sync.Mutex
	conversations map[string]map[*Handle]struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conversations: make(map[string]map[*Handle]struct{})}
}

// Register adds a connection to a conversation and returns its handle.
func (r *Registry) Register(conversationID string, role protocol.Role, userID string, writer EventWriter) *Handle {
	handle := &Handle{
		conversationID: conversationID,
		role:           role,
		userID:         userID,
		writer:         writer,
	}

	r.mu.Lock()
	handles, ok := r.conversations[conversationID]
	if !ok {
		handles = make(map[*Handle]struct{})
		r.conversations[conversationID] = handles
	}
	handles[handle] = struct{}{}
	r.mu.Unlock()
	return handle
}

// Unregister removes a handle. Removing an already removed handle is a
// no-op, so disconnect paths may call it without coordination.
func (r *Registry) Unregister(handle *Handle) {
	if handle == nil {
		return
	}
	r.mu.Lock()
	if handles, ok := r.conversations[handle.conversationID]; ok {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(r.conversations, handle.conversationID)
		}
	}
	r.mu.Unlock()
}

// Broadcast sends an event to every handle in a conversation except the
// excluded one. A nil exclude reaches everyone, including the sender's own
// socket.
func (r *Registry) Broadcast(conversationID string, event protocol.Event, exclude *Handle) {
	r.send(conversationID, event, func(handle *Handle) bool {
		return handle != exclude
	})
}

// BroadcastRole sends an event to every handle on one side of a
// conversation, except the excluded one.
func (r *Registry) BroadcastRole(conversationID string, role protocol.Role, event protocol.Event, exclude *Handle) {
	r.send(conversationID, event, func(handle *Handle) bool {
		return handle.role == role && handle != exclude
	})
}

// CountRole reports how many live handles one side of a conversation has.
func (r *Registry) CountRole(conversationID string, role protocol.Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for handle := range r.conversations[conversationID] {
		if handle.role == role {
			count++
		}
	}
	return count
}

func (r *Registry) send(conversationID string, event protocol.Event, include func(*Handle) bool) {
	r.mu.Lock()
	targets := make([]*Handle, 0, len(r.conversations[conversationID]))
	for handle := range r.conversations[conversationID] {
		if include(handle) {
			targets = append(targets, handle)
		}
	}
	r.mu.Unlock()

	// Writes happen outside the lock so one slow peer cannot stall the
	// conversation.
	var dead []*Handle
	for _, handle := range targets {
		if err := handle.writer.WriteEvent(event); err != nil {
			dead = append(dead, handle)
		}
	}
	for _, handle := range dead {
		r.Unregister(handle)
	}
}
