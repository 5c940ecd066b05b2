package app

import (
	"sync"
	"time"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

const defaultTypingTTL = 2 * time.Second

type typingKey struct {
	conversationID string
	role           protocol.Role
}

// Presence tracks the ephemeral typing flag per conversation side and
// expires it after a quiet interval. Nothing here touches storage; a
// restart simply forgets who was typing.
type Presence struct {
	registry *Registry
	ttl      time.Duration

	mu     sync.Mutex
	typing map[typingKey]*time.Timer
}

// NewPresence creates a typing tracker that broadcasts through the
// registry. A non-positive ttl falls back to the default.
func NewPresence(registry *Registry, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &Presence{
		registry: registry,
		ttl:      ttl,
		typing:   make(map[typingKey]*time.Timer),
	}
}

// SetTyping records that one side is typing. The first keystroke broadcasts
// immediately; repeats only push the expiry forward. The originating handle
// never receives its own typing echo.
func (p *Presence) SetTyping(conversationID string, role protocol.Role, originator *Handle) {
	key := typingKey{conversationID: conversationID, role: role}

	p.mu.Lock()
	timer, active := p.typing[key]
	if active {
		timer.Reset(p.ttl)
		p.mu.Unlock()
		return
	}
	p.typing[key] = time.AfterFunc(p.ttl, func() {
		p.expire(key)
	})
	p.mu.Unlock()

	p.broadcast(conversationID, role, true, originator)
}

// StopTyping clears one side's typing flag and broadcasts the falling edge.
// Clearing an already clear flag does nothing, so send paths may call it
// unconditionally.
func (p *Presence) StopTyping(conversationID string, role protocol.Role, originator *Handle) {
	key := typingKey{conversationID: conversationID, role: role}

	p.mu.Lock()
	timer, active := p.typing[key]
	if active {
		timer.Stop()
		delete(p.typing, key)
	}
	p.mu.Unlock()

	if active {
		p.broadcast(conversationID, role, false, originator)
	}
}

// Typing reports whether one side is currently flagged as typing.
func (p *Presence) Typing(conversationID string, role protocol.Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, active := p.typing[typingKey{conversationID: conversationID, role: role}]
	return active
}

func (p *Presence) expire(key typingKey) {
	p.mu.Lock()
	_, active := p.typing[key]
	if active {
		delete(p.typing, key)
	}
	p.mu.Unlock()

	if active {
		p.broadcast(key.conversationID, key.role, false, nil)
	}
}

// broadcast fans the typing change out with per-side views: advisors see
// both role flags, clients only see whether the advisor side is typing.
func (p *Presence) broadcast(conversationID string, changed protocol.Role, isTyping bool, originator *Handle) {
	advisorTyping := p.Typing(conversationID, protocol.RoleAdvisor)
	clientTyping := p.Typing(conversationID, protocol.RoleClient)
	if changed == protocol.RoleAdvisor {
		advisorTyping = isTyping
	} else {
		clientTyping = isTyping
	}

	p.registry.BroadcastRole(conversationID, protocol.RoleAdvisor, protocol.Typing{
		IsTyping:      clientTyping,
		AdvisorTyping: protocol.Flag(advisorTyping),
		ClientTyping:  protocol.Flag(clientTyping),
	}, originator)
	p.registry.BroadcastRole(conversationID, protocol.RoleClient, protocol.Typing{
		IsTyping:      advisorTyping,
		AdvisorTyping: protocol.Flag(advisorTyping),
	}, originator)
}
