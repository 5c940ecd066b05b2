package app

import (
	"errors"
	"sync"
	"testing"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []protocol.Event
	fail   bool
}

func (w *recordingWriter) WriteEvent(event protocol.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("write failed")
	}
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func (w *recordingWriter) last() protocol.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) == 0 {
		return nil
	}
	return w.events[len(w.events)-1]
}

func TestBroadcastReachesEveryHandleIncludingSenderSockets(t *testing.T) {
	registry := NewRegistry()
	senderTab := &recordingWriter{}
	senderOtherTab := &recordingWriter{}
	counterparty := &recordingWriter{}
	registry.Register("conv-1", protocol.RoleClient, "client-1", senderTab)
	registry.Register("conv-1", protocol.RoleClient, "client-1", senderOtherTab)
	registry.Register("conv-1", protocol.RoleAdvisor, "adv-1", counterparty)

	registry.Broadcast("conv-1", protocol.NewMessage{Message: protocol.Message{ID: "msg-1"}}, nil)

	for name, writer := range map[string]*recordingWriter{
		"sender tab":       senderTab,
		"sender other tab": senderOtherTab,
		"counterparty":     counterparty,
	} {
		if writer.count() != 1 {
			t.Fatalf("%s received %d events, want 1", name, writer.count())
		}
	}
}

func TestBroadcastExcludesOnlyTheExactHandle(t *testing.T) {
	registry := NewRegistry()
	originTab := &recordingWriter{}
	sameUserOtherTab := &recordingWriter{}
	registry.Register("conv-1", protocol.RoleClient, "client-1", originTab)
	registry.Register("conv-1", protocol.RoleClient, "client-1", sameUserOtherTab)
	origin := registryHandleFor(t, registry, "conv-1", originTab)

	registry.Broadcast("conv-1", protocol.Typing{IsTyping: true}, origin)

	if originTab.count() != 0 {
		t.Fatal("originating handle should not receive its own event")
	}
	if sameUserOtherTab.count() != 1 {
		t.Fatal("the same user's other tab should still receive the event")
	}
}

func TestBroadcastRoleTargetsOneSide(t *testing.T) {
	registry := NewRegistry()
	advisor := &recordingWriter{}
	client := &recordingWriter{}
	registry.Register("conv-1", protocol.RoleAdvisor, "adv-1", advisor)
	registry.Register("conv-1", protocol.RoleClient, "client-1", client)

	registry.BroadcastRole("conv-1", protocol.RoleAdvisor, protocol.Seen{SeenAt: "2026-08-25T10:00:00Z"}, nil)

	if advisor.count() != 1 {
		t.Fatalf("advisor received %d events, want 1", advisor.count())
	}
	if client.count() != 0 {
		t.Fatalf("client received %d events, want 0", client.count())
	}
}

func TestBroadcastDropsDeadHandles(t *testing.T) {
	registry := NewRegistry()
	dead := &recordingWriter{fail: true}
	alive := &recordingWriter{}
	registry.Register("conv-1", protocol.RoleClient, "client-1", dead)
	registry.Register("conv-1", protocol.RoleAdvisor, "adv-1", alive)

	registry.Broadcast("conv-1", protocol.Seen{SeenAt: "2026-08-25T10:00:00Z"}, nil)

	if registry.CountRole("conv-1", protocol.RoleClient) != 0 {
		t.Fatal("dead handle should be unregistered after a failed write")
	}
	if registry.CountRole("conv-1", protocol.RoleAdvisor) != 1 {
		t.Fatal("healthy handle should stay registered")
	}
}

func TestUnregisterIsIdempotentAndScopesBroadcasts(t *testing.T) {
	registry := NewRegistry()
	writer := &recordingWriter{}
	handle := registry.Register("conv-1", protocol.RoleClient, "client-1", writer)

	registry.Unregister(handle)
	registry.Unregister(handle)
	registry.Unregister(nil)

	registry.Broadcast("conv-1", protocol.Seen{SeenAt: "2026-08-25T10:00:00Z"}, nil)
	if writer.count() != 0 {
		t.Fatal("unregistered handle should not receive events")
	}

	other := &recordingWriter{}
	registry.Register("conv-2", protocol.RoleClient, "client-2", other)
	registry.Broadcast("conv-1", protocol.Seen{SeenAt: "2026-08-25T10:00:00Z"}, nil)
	if other.count() != 0 {
		t.Fatal("broadcast should not leak across conversations")
	}
}

func TestCountRole(t *testing.T) {
	registry := NewRegistry()
	registry.Register("conv-1", protocol.RoleAdvisor, "adv-1", &recordingWriter{})
	registry.Register("conv-1", protocol.RoleAdvisor, "adv-2", &recordingWriter{})
	registry.Register("conv-1", protocol.RoleClient, "client-1", &recordingWriter{})

	if got := registry.CountRole("conv-1", protocol.RoleAdvisor); got != 2 {
		t.Fatalf("advisor count = %d, want 2", got)
	}
	if got := registry.CountRole("conv-1", protocol.RoleClient); got != 1 {
		t.Fatalf("client count = %d, want 1", got)
	}
	if got := registry.CountRole("conv-2", protocol.RoleClient); got != 0 {
		t.Fatalf("empty conversation count = %d, want 0", got)
	}
}

func registryHandleFor(t *testing.T, registry *Registry, conversationID string, writer EventWriter) *Handle {
	t.Helper()
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for handle := range registry.conversations[conversationID] {
		if handle.writer == writer {
			return handle
		}
	}
	t.Fatal("handle not found for writer")
	return nil
}
