package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

// MarkRead marks every unread counterparty message as read and tells the
// counterparty's open connections their messages were seen. The reader's
// own connections are not told; their client already knows.
func (r *Relay) MarkRead(ctx context.Context, conversationID string, readerRole protocol.Role) (int, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, fmt.Errorf("conversation id is required")
	}
	if !readerRole.Valid() {
		return 0, fmt.Errorf("unknown reader role %q", readerRole)
	}

	seenAt := r.now().UTC()
	affected, err := r.store.MarkConversationRead(ctx, conversationID, string(readerRole), seenAt)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}

	r.registry.BroadcastRole(conversationID, readerRole.Other(), protocol.Seen{
		SeenAt: seenAt.Format(time.RFC3339),
	}, nil)
	return affected, nil
}
