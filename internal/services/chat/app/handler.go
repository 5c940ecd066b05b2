package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/voyagedesk/voyagedesk/internal/platform/id"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/notify"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/token"
)

const advisorSessionCookieName = "vd_session"

// HandlerOptions wires the chat handler's collaborators. Tests inject fakes
// for the authorizer, resolver, sink, and clock.
type HandlerOptions struct {
	Store         storage.Store
	Authorizer    AdvisorAuthorizer
	ShareResolver ShareTokenResolver
	Sink          notify.Sink
	TokenConfig   token.Config
	TypingTTL     time.Duration
	Now           func() time.Time
}

type handler struct {
	store         storage.Store
	registry      *Registry
	presence      *Presence
	relay         *Relay
	authorizer    AdvisorAuthorizer
	shareResolver ShareTokenResolver
	tokenCfg      token.Config
	now           func() time.Time
	wsHandler     websocket.Handler
}

// NewHandler creates the chat HTTP and websocket routes.
func NewHandler(opts HandlerOptions) http.Handler {
	registry := NewRegistry()
	presence := NewPresence(registry, opts.TypingTTL)
	relay := NewRelay(opts.Store, registry, presence, opts.Sink)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	relay.now = now

	h := &handler{
		store:         opts.Store,
		registry:      registry,
		presence:      presence,
		relay:         relay,
		authorizer:    opts.Authorizer,
		shareResolver: opts.ShareResolver,
		tokenCfg:      opts.TokenConfig,
		now:           now,
	}
	h.wsHandler = websocket.Handler(func(conn *websocket.Conn) {
		handleSocket(conn, registry, presence)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /ws", h.handleWS)
	mux.HandleFunc("GET /api/chat-token", h.handleChatToken)

	mux.HandleFunc("GET /api/conversations/{id}/messages", h.handleAdvisorListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.handleAdvisorSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/messages/client", h.handleClientListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages/client", h.handleClientSendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/read", h.handleAdvisorMarkRead)
	mux.HandleFunc("POST /api/conversations/{id}/read/client", h.handleClientMarkRead)
	mux.HandleFunc("POST /api/conversations/{id}/messages/{messageID}/reactions", h.handleToggleReaction)
	mux.HandleFunc("DELETE /api/conversations/{id}/messages/{messageID}/reactions", h.handleRemoveReaction)
	mux.HandleFunc("GET /api/conversations/{id}/unread", h.handleUnreadCount)

	return mux
}

// participant is the resolved identity behind one API request, either side.
type participant struct {
	role   protocol.Role
	userID string
	name   string
	orgID  string
}

func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
	if conversationID == "" {
		http.Error(w, "conversationId is required", http.StatusBadRequest)
		return
	}
	role := protocol.Role(strings.TrimSpace(r.URL.Query().Get("userType")))
	if !role.Valid() {
		http.Error(w, "userType must be advisor or client", http.StatusBadRequest)
		return
	}

	var resolved participant
	var err error
	switch role {
	case protocol.RoleAdvisor:
		resolved, err = h.advisorParticipant(r, conversationID)
	case protocol.RoleClient:
		resolved, err = h.clientParticipant(r, conversationID)
	}
	if err != nil {
		log.Printf("[CHAT] websocket unauthorized for conversation=%s role=%s remote=%s: %v", conversationID, role, r.RemoteAddr, err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ctx := context.WithValue(r.Context(), socketIdentityContextKey{}, socketIdentity{
		conversationID: conversationID,
		role:           resolved.role,
		userID:         resolved.userID,
		name:           resolved.name,
	})
	h.wsHandler.ServeHTTP(w, r.WithContext(ctx))
}

// handleChatToken exchanges a trip share token for a signed chat token and
// the conversation it opens. The conversation is created lazily on first
// exchange.
func (h *handler) handleChatToken(w http.ResponseWriter, r *http.Request) {
	if h.shareResolver == nil {
		writeError(w, http.StatusServiceUnavailable, "share links are not configured")
		return
	}
	tripID := strings.TrimSpace(r.URL.Query().Get("tripId"))
	shareToken := strings.TrimSpace(r.URL.Query().Get("shareToken"))
	if tripID == "" || shareToken == "" {
		writeError(w, http.StatusBadRequest, "tripId and shareToken are required")
		return
	}

	grant, err := h.shareResolver.Resolve(r.Context(), tripID, shareToken)
	if err != nil {
		if errors.Is(err, ErrShareTokenInvalid) {
			writeError(w, http.StatusUnauthorized, "share token is invalid")
			return
		}
		log.Printf("[CHAT] share grant lookup trip=%s: %v", tripID, err)
		writeError(w, http.StatusBadGateway, "share token lookup unavailable")
		return
	}

	conversationID, err := id.NewID()
	if err != nil {
		log.Printf("[CHAT] generate conversation id: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	now := h.now().UTC()
	conversation, err := h.store.EnsureConversation(r.Context(), storage.ConversationRecord{
		ID:          conversationID,
		OrgID:       grant.OrgID,
		ClientID:    grant.ClientID,
		ClientName:  grant.ClientName,
		AdvisorName: grant.AdvisorName,
		CreatedAt:   now,
	})
	if err != nil {
		log.Printf("[CHAT] ensure conversation for org=%s client=%s: %v", grant.OrgID, grant.ClientID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	chatToken, err := token.Mint(token.Claims{
		TripID:         grant.TripID,
		ClientID:       grant.ClientID,
		ClientName:     grant.ClientName,
		ConversationID: conversation.ID,
		OrgID:          grant.OrgID,
	}, h.tokenCfg)
	if err != nil {
		log.Printf("[CHAT] mint chat token for conversation=%s: %v", conversation.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ttl := h.tokenCfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chatToken":      chatToken,
		"conversationId": conversation.ID,
		"clientId":       conversation.ClientID,
		"clientName":     conversation.ClientName,
		"advisorName":    conversation.AdvisorName,
		"orgId":          conversation.OrgID,
		"expiresAt":      now.Add(ttl).Format(time.RFC3339),
	})
}

type sendMessageRequest struct {
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentUrl"`
	AttachmentName string `json:"attachmentName"`
}

func (h *handler) handleAdvisorSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	resolved, ok := h.requireAdvisor(w, r, conversationID)
	if !ok {
		return
	}
	h.sendMessage(w, r, conversationID, resolved)
}

func (h *handler) handleClientSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	resolved, ok := h.requireClient(w, r, conversationID)
	if !ok {
		return
	}
	h.sendMessage(w, r, conversationID, resolved)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request, conversationID string, resolved participant) {
	var body sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message, err := h.relay.SendMessage(r.Context(), SendMessageInput{
		ConversationID: conversationID,
		OrgID:          resolved.orgID,
		SenderType:     resolved.role,
		SenderID:       resolved.userID,
		SenderName:     resolved.name,
		Content:        body.Content,
		AttachmentURL:  body.AttachmentURL,
		AttachmentName: body.AttachmentName,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (h *handler) handleAdvisorListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, ok := h.requireAdvisor(w, r, conversationID); !ok {
		return
	}
	h.listMessages(w, r, conversationID)
}

func (h *handler) handleClientListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, ok := h.requireClient(w, r, conversationID); !ok {
		return
	}
	h.listMessages(w, r, conversationID)
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	messages, err := h.relay.History(r.Context(), conversationID, limit)
	if err != nil {
		log.Printf("[CHAT] list messages for conversation=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *handler) handleAdvisorMarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	resolved, ok := h.requireAdvisor(w, r, conversationID)
	if !ok {
		return
	}
	h.markRead(w, r, conversationID, resolved.role)
}

func (h *handler) handleClientMarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	resolved, ok := h.requireClient(w, r, conversationID)
	if !ok {
		return
	}
	h.markRead(w, r, conversationID, resolved.role)
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request, conversationID string, readerRole protocol.Role) {
	updated, err := h.relay.MarkRead(r.Context(), conversationID, readerRole)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		log.Printf("[CHAT] mark read for conversation=%s role=%s: %v", conversationID, readerRole, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updated": updated,
		"seenAt":  h.now().UTC().Format(time.RFC3339),
	})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *handler) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	messageID := r.PathValue("messageID")
	resolved, ok := h.requireParticipant(w, r, conversationID)
	if !ok {
		return
	}

	var body reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reactions, err := h.relay.ToggleReaction(r.Context(), ReactionInput{
		ConversationID: conversationID,
		MessageID:      messageID,
		ReactorType:    resolved.role,
		ReactorID:      resolved.userID,
		ReactorName:    resolved.name,
		Emoji:          body.Emoji,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": messageID,
		"reactions": reactions,
	})
}

func (h *handler) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	messageID := r.PathValue("messageID")
	resolved, ok := h.requireParticipant(w, r, conversationID)
	if !ok {
		return
	}

	reactions, err := h.relay.RemoveReaction(r.Context(), conversationID, messageID, resolved.role, resolved.userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": messageID,
		"reactions": reactions,
	})
}

func (h *handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	resolved, ok := h.requireParticipant(w, r, conversationID)
	if !ok {
		return
	}

	unread, err := h.relay.UnreadCount(r.Context(), conversationID, resolved.role)
	if err != nil {
		log.Printf("[CHAT] unread count for conversation=%s role=%s: %v", conversationID, resolved.role, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": unread})
}

// requireAdvisor authenticates the advisor's bearer token and checks the
// conversation belongs to the advisor's org.
func (h *handler) requireAdvisor(w http.ResponseWriter, r *http.Request, conversationID string) (participant, bool) {
	resolved, err := h.advisorParticipant(r, conversationID)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "authentication required")
		return participant{}, false
	}
	return resolved, true
}

func (h *handler) requireClient(w http.ResponseWriter, r *http.Request, conversationID string) (participant, bool) {
	resolved, err := h.clientParticipant(r, conversationID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return participant{}, false
	}
	return resolved, true
}

// requireParticipant accepts either side: a chat token marks the request as
// the client, otherwise the advisor bearer token applies.
func (h *handler) requireParticipant(w http.ResponseWriter, r *http.Request, conversationID string) (participant, bool) {
	if chatTokenFromRequest(r) != "" {
		return h.requireClient(w, r, conversationID)
	}
	return h.requireAdvisor(w, r, conversationID)
}

func (h *handler) advisorParticipant(r *http.Request, conversationID string) (participant, error) {
	if h.authorizer == nil {
		return participant{}, errors.New("advisor auth is not configured")
	}
	accessToken := advisorTokenFromRequest(r)
	if accessToken == "" {
		return participant{}, errors.New("missing advisor access token")
	}
	identity, err := h.authorizer.Authenticate(r.Context(), accessToken)
	if err != nil {
		return participant{}, err
	}

	conversation, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		return participant{}, err
	}
	if conversation.OrgID != identity.OrgID {
		return participant{}, fmt.Errorf("conversation %s does not belong to org %s", conversationID, identity.OrgID)
	}
	return participant{
		role:   protocol.RoleAdvisor,
		userID: identity.UserID,
		name:   identity.Name,
		orgID:  identity.OrgID,
	}, nil
}

func (h *handler) clientParticipant(r *http.Request, conversationID string) (participant, error) {
	chatToken := chatTokenFromRequest(r)
	if chatToken == "" {
		return participant{}, errors.New("missing chat token")
	}
	claims, err := token.Validate(chatToken, h.tokenCfg)
	if err != nil {
		return participant{}, err
	}
	if claims.ConversationID != conversationID {
		return participant{}, fmt.Errorf("chat token is scoped to a different conversation")
	}
	return participant{
		role:   protocol.RoleClient,
		userID: claims.ClientID,
		name:   claims.ClientName,
		orgID:  claims.OrgID,
	}, nil
}

func advisorTokenFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	cookie, err := r.Cookie(advisorSessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func chatTokenFromRequest(r *http.Request) string {
	if value := strings.TrimSpace(r.URL.Query().Get("chatToken")); value != "" {
		return value
	}
	return strings.TrimSpace(r.Header.Get("X-Chat-Token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[CHAT] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
