// Package storage declares the persistence contracts the chat relay
// consumes: conversations, immutable messages, and emoji reactions.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested conversation, message, or reaction is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// Sender type values persisted with every message and reaction.
const (
	SenderTypeAdvisor = "advisor"
	SenderTypeClient  = "client"
)

// ConversationRecord stores the single channel between one client and the
// advisor team of one org. Conversations are created lazily and never
// deleted.
type ConversationRecord struct {
	ID                 string
	OrgID              string
	ClientID           string
	ClientName         string
	AdvisorName        string
	LastMessageAt      *time.Time
	LastMessagePreview string
	// AdvisorSeenAt is when the advisor last opened the thread;
	// ClientSeenAt is the converse. Coarser than per-message read flags.
	AdvisorSeenAt *time.Time
	ClientSeenAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageRecord stores one chat message. Content is immutable once
// persisted; only IsRead and SeenAt change afterwards.
type MessageRecord struct {
	ID             string
	ConversationID string
	OrgID          string
	SenderType     string
	SenderID       string
	SenderName     string
	Content        string
	AttachmentURL  string
	AttachmentName string
	IsRead         bool
	SeenAt         *time.Time
	CreatedAt      time.Time
}

// ReactionRecord stores one emoji reaction. At most one reaction exists per
// (message, reactor); a different emoji replaces, the same emoji toggles
// removal.
type ReactionRecord struct {
	ID             string
	MessageID      string
	ConversationID string
	ReactorType    string
	ReactorID      string
	ReactorName    string
	Emoji          string
	CreatedAt      time.Time
}

// ConversationStore persists conversation rows and their denormalized
// last-message and seen-watermark fields.
type ConversationStore interface {
	// EnsureConversation returns the conversation for (org, client),
	// creating it with the given record when absent.
	EnsureConversation(ctx context.Context, record ConversationRecord) (ConversationRecord, error)
	GetConversation(ctx context.Context, conversationID string) (ConversationRecord, error)
	// TouchConversation updates the last-message denormalization after a
	// successful send.
	TouchConversation(ctx context.Context, conversationID string, lastMessageAt time.Time, preview string) error
}

// MessageStore persists messages and read state.
type MessageStore interface {
	PutMessage(ctx context.Context, record MessageRecord) error
	// ListMessagesByConversation returns up to limit messages ordered by
	// created_at ascending (id as tiebreaker).
	ListMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error)
	// MarkConversationRead marks every unread message sent by the
	// counterparty of readerRole as read, refreshes that direction's seen
	// watermark, and returns how many messages changed. Calling it with
	// nothing unread still updates the watermark.
	MarkConversationRead(ctx context.Context, conversationID string, readerRole string, seenAt time.Time) (int, error)
	CountUnread(ctx context.Context, conversationID string, readerRole string) (int, error)
}

// ReactionStore persists reactions with single-reaction-per-reactor
// semantics.
type ReactionStore interface {
	// ToggleReaction removes the reactor's reaction when it already carries
	// the same emoji and reports removed=true; otherwise it replaces any
	// prior reaction by the same reactor with the given record.
	ToggleReaction(ctx context.Context, record ReactionRecord) (removed bool, err error)
	DeleteReaction(ctx context.Context, messageID string, reactorType string, reactorID string) error
	// ListReactionsByMessage returns the full current reaction list ordered
	// by created_at ascending.
	ListReactionsByMessage(ctx context.Context, messageID string) ([]ReactionRecord, error)
}

// Store is the full persistence surface the chat service consumes.
type Store interface {
	ConversationStore
	MessageStore
	ReactionStore
}
