package notify

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNoopSinkAcceptsAndCloses(t *testing.T) {
	var sink Sink = NoopSink{}
	if err := sink.NotifyNewMessage(context.Background(), Notification{MessageID: "msg-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRoutingKeyCarriesRecipientSide(t *testing.T) {
	if got := RoutingKey("client"); got != "chat.message.new.client" {
		t.Fatalf("routing key = %q", got)
	}
	if got := RoutingKey(" advisor "); got != "chat.message.new.advisor" {
		t.Fatalf("routing key = %q", got)
	}
}

func TestNotificationJSONShape(t *testing.T) {
	body, err := json.Marshal(Notification{
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		OrgID:          "org-1",
		SenderType:     "client",
		SenderName:     "Dana Reyes",
		RecipientType:  "advisor",
		Preview:        "Hi, is the hotel confirmed?",
		SentAt:         "2026-08-25T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var frame map[string]string
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"conversationId", "messageId", "orgId", "senderType", "senderName", "recipientType", "preview", "sentAt"} {
		if frame[key] == "" {
			t.Fatalf("missing field %q in %s", key, body)
		}
	}
}

func TestAMQPSinkRejectsMissingConfig(t *testing.T) {
	if _, err := NewAMQPSink("", "chat.notifications"); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewAMQPSink("amqp://localhost", ""); err == nil {
		t.Fatal("expected error for empty exchange")
	}
}

func TestDisconnectedAMQPSinkRefusesPublish(t *testing.T) {
	var sink *AMQPSink
	if err := sink.NotifyNewMessage(context.Background(), Notification{MessageID: "msg-1", RecipientType: "client"}); err == nil {
		t.Fatal("expected error from nil sink")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
