package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voyagedesk/voyagedesk/internal/platform/id"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/notify"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage"
)

const (
	maxMessageContentRunes = 2000
	previewRunes           = 140
)

// Relay persists conversation activity and fans the resulting events out to
// every connected handle. It is the single writer through which messages,
// reactions, and read receipts flow.
type Relay struct {
	store    storage.Store
	registry *Registry
	presence *Presence
	sink     notify.Sink
	now      func() time.Time
	newID    func() (string, error)
}

// NewRelay wires a relay over its collaborators. A nil sink disables
// offline notifications; nil now and newID fall back to the defaults.
func NewRelay(store storage.Store, registry *Registry, presence *Presence, sink notify.Sink) *Relay {
	if sink == nil {
		sink = notify.NoopSink{}
	}
	return &Relay{
		store:    store,
		registry: registry,
		presence: presence,
		sink:     sink,
		now:      time.Now,
		newID:    id.NewID,
	}
}

// SendMessageInput describes one message send from either side.
type SendMessageInput struct {
	ConversationID string
	OrgID          string
	SenderType     protocol.Role
	SenderID       string
	SenderName     string
	Content        string
	AttachmentURL  string
	AttachmentName string
}

// SendMessage validates, persists, and broadcasts one message. The returned
// message is the canonical server-stamped shape; the sender's own open
// sockets receive the same broadcast and deduplicate by id.
func (r *Relay) SendMessage(ctx context.Context, in SendMessageInput) (protocol.Message, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.Content = strings.TrimSpace(in.Content)
	if in.ConversationID == "" {
		return protocol.Message{}, fmt.Errorf("conversation id is required")
	}
	if !in.SenderType.Valid() {
		return protocol.Message{}, fmt.Errorf("unknown sender type %q", in.SenderType)
	}
	if in.SenderID == "" {
		return protocol.Message{}, fmt.Errorf("sender id is required")
	}
	if in.Content == "" && strings.TrimSpace(in.AttachmentURL) == "" {
		return protocol.Message{}, fmt.Errorf("message content is required")
	}
	if utf8.RuneCountInString(in.Content) > maxMessageContentRunes {
		return protocol.Message{}, fmt.Errorf("message content must be at most %d characters", maxMessageContentRunes)
	}

	messageID, err := r.newID()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	createdAt := r.now().UTC()
	record := storage.MessageRecord{
		ID:             messageID,
		ConversationID: in.ConversationID,
		OrgID:          in.OrgID,
		SenderType:     string(in.SenderType),
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Content:        in.Content,
		AttachmentURL:  strings.TrimSpace(in.AttachmentURL),
		AttachmentName: strings.TrimSpace(in.AttachmentName),
		CreatedAt:      createdAt,
	}
	if err := r.store.PutMessage(ctx, record); err != nil {
		return protocol.Message{}, fmt.Errorf("persist message: %w", err)
	}

	// A send is a stronger signal than any keystroke.
	r.presence.StopTyping(in.ConversationID, in.SenderType, nil)

	message := messageFromRecord(record)
	r.registry.Broadcast(in.ConversationID, protocol.NewMessage{Message: message}, nil)

	if err := r.store.TouchConversation(ctx, in.ConversationID, createdAt, preview(record)); err != nil {
		log.Printf("[CHAT] touch conversation %s: %v", in.ConversationID, err)
	}

	recipient := in.SenderType.Other()
	if r.registry.CountRole(in.ConversationID, recipient) == 0 {
		r.notifyOffline(record, recipient)
	}
	return message, nil
}

// History returns up to limit messages of a conversation, oldest first.
func (r *Relay) History(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := r.store.ListMessagesByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]protocol.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, messageFromRecord(record))
	}
	return messages, nil
}

// UnreadCount reports how many counterparty messages the reader has not
// seen.
func (r *Relay) UnreadCount(ctx context.Context, conversationID string, readerRole protocol.Role) (int, error) {
	if !readerRole.Valid() {
		return 0, fmt.Errorf("unknown reader role %q", readerRole)
	}
	return r.store.CountUnread(ctx, conversationID, string(readerRole))
}

// notifyOffline hands the message to the notification sink without blocking
// the send path on broker latency.
func (r *Relay) notifyOffline(record storage.MessageRecord, recipient protocol.Role) {
	notification := notify.Notification{
		ConversationID: record.ConversationID,
		MessageID:      record.ID,
		OrgID:          record.OrgID,
		SenderType:     record.SenderType,
		SenderName:     record.SenderName,
		RecipientType:  string(recipient),
		Preview:        preview(record),
		SentAt:         record.CreatedAt.Format(time.RFC3339),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sink.NotifyNewMessage(ctx, notification); err != nil {
			log.Printf("[CHAT] offline notification for message %s: %v", record.ID, err)
		}
	}()
}

func preview(record storage.MessageRecord) string {
	content := record.Content
	if content == "" && record.AttachmentName != "" {
		content = record.AttachmentName
	}
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes])
}

func messageFromRecord(record storage.MessageRecord) protocol.Message {
	message := protocol.Message{
		ID:             record.ID,
		ConversationID: record.ConversationID,
		OrgID:          record.OrgID,
		SenderType:     protocol.Role(record.SenderType),
		SenderID:       record.SenderID,
		SenderName:     record.SenderName,
		Content:        record.Content,
		AttachmentURL:  record.AttachmentURL,
		AttachmentName: record.AttachmentName,
		IsRead:         record.IsRead,
		CreatedAt:      record.CreatedAt.Format(time.RFC3339),
	}
	if record.SeenAt != nil {
		message.SeenAt = record.SeenAt.Format(time.RFC3339)
	}
	return message
}

func reactionFromRecord(record storage.ReactionRecord) protocol.Reaction {
	return protocol.Reaction{
		ID:             record.ID,
		MessageID:      record.MessageID,
		ConversationID: record.ConversationID,
		ReactorType:    protocol.Role(record.ReactorType),
		ReactorID:      record.ReactorID,
		ReactorName:    record.ReactorName,
		Emoji:          record.Emoji,
		CreatedAt:      record.CreatedAt.Format(time.RFC3339),
	}
}
