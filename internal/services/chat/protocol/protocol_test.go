package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeInjectsTypeDiscriminator(t *testing.T) {
	data, err := Encode(Seen{SeenAt: "2026-08-25T10:00:00Z"})
	if err != nil {
		t.Fatalf("encode seen: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame["type"] != TypeSeen {
		t.Fatalf("frame type = %v, want %q", frame["type"], TypeSeen)
	}
	if frame["seenAt"] != "2026-08-25T10:00:00Z" {
		t.Fatalf("frame seenAt = %v", frame["seenAt"])
	}
}

func TestEncodeRejectsNilEvent(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestDecodeRoundTripsEachKind(t *testing.T) {
	events := []Event{
		NewMessage{Message: Message{
			ID:             "msg-1",
			ConversationID: "conv-1",
			OrgID:          "org-1",
			SenderType:     RoleClient,
			SenderID:       "client-1",
			SenderName:     "Dana",
			Content:        "Hi",
			CreatedAt:      "2026-08-25T10:00:00Z",
		}},
		Typing{IsTyping: true, AdvisorTyping: Flag(true), ClientTyping: Flag(false)},
		Seen{SeenAt: "2026-08-25T10:01:00Z"},
		ReactionUpdate{MessageID: "msg-1", Reactions: []Reaction{{
			ID:          "react-1",
			MessageID:   "msg-1",
			ReactorType: RoleAdvisor,
			ReactorID:   "adv-1",
			Emoji:       "👍",
			CreatedAt:   "2026-08-25T10:02:00Z",
		}}},
	}

	for _, event := range events {
		data, err := Encode(event)
		if err != nil {
			t.Fatalf("encode %s: %v", event.EventType(), err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", event.EventType(), err)
		}
		if decoded.EventType() != event.EventType() {
			t.Fatalf("decoded type = %q, want %q", decoded.EventType(), event.EventType())
		}
	}
}

func TestDecodeNewMessageKeepsPayload(t *testing.T) {
	data, err := Encode(NewMessage{Message: Message{ID: "msg-1", Content: "hello", CreatedAt: "2026-08-25T10:00:00Z"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	event, ok := decoded.(NewMessage)
	if !ok {
		t.Fatalf("decoded = %T, want NewMessage", decoded)
	}
	if event.Message.Content != "hello" {
		t.Fatalf("content = %q, want %q", event.Message.Content, "hello")
	}
}

func TestDecodeUnknownTypeReturnsUnknownVariant(t *testing.T) {
	decoded, err := Decode([]byte(`{"type":"presence_sync","participants":3}`))
	if err != nil {
		t.Fatalf("decode unknown: %v", err)
	}
	unknown, ok := decoded.(Unknown)
	if !ok {
		t.Fatalf("decoded = %T, want Unknown", decoded)
	}
	if unknown.Type != "presence_sync" {
		t.Fatalf("unknown type = %q", unknown.Type)
	}
	if !strings.Contains(string(unknown.Raw), "participants") {
		t.Fatalf("raw frame not preserved: %s", unknown.Raw)
	}
}

func TestDecodeMalformedFrameReturnsError(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if _, err := Decode([]byte(`{"payload":1}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestTypingClientViewOmitsClientFlag(t *testing.T) {
	data, err := Encode(Typing{IsTyping: true, AdvisorTyping: Flag(true)})
	if err != nil {
		t.Fatalf("encode typing: %v", err)
	}
	if strings.Contains(string(data), "clientTyping") {
		t.Fatalf("client view leaked clientTyping: %s", data)
	}
	if !strings.Contains(string(data), "advisorTyping") {
		t.Fatalf("client view missing advisorTyping: %s", data)
	}
}

func TestRoleOther(t *testing.T) {
	if RoleAdvisor.Other() != RoleClient {
		t.Fatal("advisor counterparty should be client")
	}
	if RoleClient.Other() != RoleAdvisor {
		t.Fatal("client counterparty should be advisor")
	}
}
