package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage"
)

// ReactionInput describes one reaction toggle on a message.
type ReactionInput struct {
	ConversationID string
	MessageID      string
	ReactorType    protocol.Role
	ReactorID      string
	ReactorName    string
	Emoji          string
}

// ToggleReaction applies single-reaction-per-participant semantics: a new
// emoji replaces the reactor's prior one, the same emoji removes it. Every
// change broadcasts the message's full reaction list so late or reordered
// updates cannot diverge subscribers.
func (r *Relay) ToggleReaction(ctx context.Context, in ReactionInput) ([]protocol.Reaction, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.MessageID = strings.TrimSpace(in.MessageID)
	in.ReactorID = strings.TrimSpace(in.ReactorID)
	in.Emoji = strings.TrimSpace(in.Emoji)
	if in.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if in.MessageID == "" {
		return nil, fmt.Errorf("message id is required")
	}
	if !in.ReactorType.Valid() {
		return nil, fmt.Errorf("unknown reactor type %q", in.ReactorType)
	}
	if in.ReactorID == "" {
		return nil, fmt.Errorf("reactor id is required")
	}
	if in.Emoji == "" {
		return nil, fmt.Errorf("emoji is required")
	}

	reactionID, err := r.newID()
	if err != nil {
		return nil, fmt.Errorf("generate reaction id: %w", err)
	}
	if _, err := r.store.ToggleReaction(ctx, storage.ReactionRecord{
		ID:             reactionID,
		MessageID:      in.MessageID,
		ConversationID: in.ConversationID,
		ReactorType:    string(in.ReactorType),
		ReactorID:      in.ReactorID,
		ReactorName:    in.ReactorName,
		Emoji:          in.Emoji,
		CreatedAt:      r.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}

	return r.broadcastReactions(ctx, in.ConversationID, in.MessageID)
}

// RemoveReaction deletes the reactor's reaction on a message, if any, and
// broadcasts the resulting list. Removing a missing reaction still
// broadcasts so every subscriber converges on current state.
func (r *Relay) RemoveReaction(ctx context.Context, conversationID, messageID string, reactorType protocol.Role, reactorID string) ([]protocol.Reaction, error) {
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	reactorID = strings.TrimSpace(reactorID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if messageID == "" {
		return nil, fmt.Errorf("message id is required")
	}
	if !reactorType.Valid() {
		return nil, fmt.Errorf("unknown reactor type %q", reactorType)
	}
	if reactorID == "" {
		return nil, fmt.Errorf("reactor id is required")
	}

	if err := r.store.DeleteReaction(ctx, messageID, string(reactorType), reactorID); err != nil {
		return nil, fmt.Errorf("delete reaction: %w", err)
	}
	return r.broadcastReactions(ctx, conversationID, messageID)
}

func (r *Relay) broadcastReactions(ctx context.Context, conversationID, messageID string) ([]protocol.Reaction, error) {
	records, err := r.store.ListReactionsByMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	reactions := make([]protocol.Reaction, 0, len(records))
	for _, record := range records {
		reactions = append(reactions, reactionFromRecord(record))
	}

	// Everyone gets the update, the acting side included, so all open tabs
	// settle on the same list.
	r.registry.Broadcast(conversationID, protocol.ReactionUpdate{
		MessageID: messageID,
		Reactions: reactions,
	}, nil)
	return reactions, nil
}
