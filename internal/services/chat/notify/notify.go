// Package notify delivers offline notifications for chat messages whose
// recipient has no open socket.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/voyagedesk/voyagedesk/internal/platform/id"
)

// Notification describes one message the recipient side missed while
// offline. Downstream consumers fan it out to email or push.
type Notification struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	OrgID          string `json:"orgId"`
	SenderType     string `json:"senderType"`
	SenderName     string `json:"senderName"`
	RecipientType  string `json:"recipientType"`
	Preview        string `json:"preview"`
	SentAt         string `json:"sentAt"`
}

// Sink receives notifications for recipients with no live connection.
type Sink interface {
	NotifyNewMessage(ctx context.Context, notification Notification) error
	Close() error
}

// NoopSink drops every notification. Used when no broker is configured.
type NoopSink struct{}

// NotifyNewMessage implements Sink.
func (NoopSink) NotifyNewMessage(context.Context, Notification) error { return nil }

// Close implements Sink.
func (NoopSink) Close() error { return nil }

// AMQPSink publishes notifications to a durable topic exchange. Channels are
// opened per publish so one broken channel never poisons the connection.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
}

// NewAMQPSink connects to the broker and declares the notification exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if strings.TrimSpace(exchange) == "" {
		return nil, fmt.Errorf("amqp exchange is required")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, exchange: exchange}, nil
}

// NotifyNewMessage publishes one persistent JSON notification. The routing
// key carries the recipient side so consumers can bind per audience.
func (s *AMQPSink) NotifyNewMessage(ctx context.Context, notification Notification) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("amqp sink is not connected")
	}
	if strings.TrimSpace(notification.MessageID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(notification.RecipientType) == "" {
		return fmt.Errorf("recipient type is required")
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	messageID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("generate notification id: %w", err)
	}

	key := RoutingKey(notification.RecipientType)
	if err := ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close closes the broker connection.
func (s *AMQPSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// RoutingKey returns the topic routing key for a recipient side.
func RoutingKey(recipientType string) string {
	return "chat.message.new." + strings.TrimSpace(recipientType)
}
