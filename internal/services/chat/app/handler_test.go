package app

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage/sqlite"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/token"
)

type stubAuthorizer struct {
	identities map[string]AdvisorIdentity
}

func (a *stubAuthorizer) Authenticate(_ context.Context, accessToken string) (AdvisorIdentity, error) {
	identity, ok := a.identities[accessToken]
	if !ok {
		return AdvisorIdentity{}, errors.New("unknown access token")
	}
	return identity, nil
}

type stubShareResolver struct {
	grants map[string]ShareGrant
}

func (r *stubShareResolver) Resolve(_ context.Context, tripID string, shareToken string) (ShareGrant, error) {
	grant, ok := r.grants[tripID+"/"+shareToken]
	if !ok {
		return ShareGrant{}, ErrShareTokenInvalid
	}
	return grant, nil
}

type chatFixture struct {
	server    *httptest.Server
	store     *sqlite.Store
	tokenCfg  token.Config
	chatToken string
	convID    string
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	tokenCfg := token.Config{
		Issuer:     "voyagedesk",
		Audience:   "chat",
		PrivateKey: priv,
		PublicKey:  pub,
		TTL:        time.Hour,
	}

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	handler := NewHandler(HandlerOptions{
		Store: store,
		Authorizer: &stubAuthorizer{identities: map[string]AdvisorIdentity{
			"adv-token": {UserID: "adv-1", OrgID: "org-1", Name: "Priya Shah"},
		}},
		ShareResolver: &stubShareResolver{grants: map[string]ShareGrant{
			"trip-1/share-secret": {
				TripID:      "trip-1",
				ClientID:    "client-1",
				ClientName:  "Dana Reyes",
				OrgID:       "org-1",
				AdvisorName: "Priya Shah",
			},
		}},
		TokenConfig: tokenCfg,
		TypingTTL:   200 * time.Millisecond,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	fixture := &chatFixture{server: server, store: store, tokenCfg: tokenCfg}
	fixture.exchangeChatToken(t)
	return fixture
}

func (f *chatFixture) exchangeChatToken(t *testing.T) {
	t.Helper()
	resp, err := http.Get(f.server.URL + "/api/chat-token?tripId=trip-1&shareToken=share-secret")
	if err != nil {
		t.Fatalf("exchange chat token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat token status = %d", resp.StatusCode)
	}
	var payload struct {
		ChatToken      string `json:"chatToken"`
		ConversationID string `json:"conversationId"`
		ClientName     string `json:"clientName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode chat token response: %v", err)
	}
	if payload.ChatToken == "" || payload.ConversationID == "" {
		t.Fatalf("chat token response incomplete: %+v", payload)
	}
	f.chatToken = payload.ChatToken
	f.convID = payload.ConversationID
}

func (f *chatFixture) dialWS(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(f.server.URL, "http://", "ws://", 1) + "/ws?" + query
	conn, err := websocket.Dial(wsURL, "", f.server.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func (f *chatFixture) dialClientWS(t *testing.T) *websocket.Conn {
	return f.dialWS(t, fmt.Sprintf("conversationId=%s&userType=client&chatToken=%s", f.convID, f.chatToken))
}

func (f *chatFixture) dialAdvisorWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(f.server.URL, "http://", "ws://", 1)
	config, err := websocket.NewConfig(fmt.Sprintf("%s/ws?conversationId=%s&userType=advisor", wsURL, f.convID), f.server.URL)
	if err != nil {
		t.Fatalf("build websocket config: %v", err)
	}
	config.Header = http.Header{"Authorization": []string{"Bearer adv-token"}}
	conn, err := websocket.DialConfig(config)
	if err != nil {
		t.Fatalf("dial advisor websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var raw string
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	event, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return event
}

func (f *chatFixture) advisorRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer adv-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func (f *chatFixture) clientRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Chat-Token", f.chatToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	fixture := newChatFixture(t)
	resp, err := http.Get(fixture.server.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestChatTokenExchangeIsStablePerClient(t *testing.T) {
	fixture := newChatFixture(t)
	first := fixture.convID

	// A second exchange returns the same lazily created conversation.
	fixture.exchangeChatToken(t)
	if fixture.convID != first {
		t.Fatalf("second exchange conversation = %q, want %q", fixture.convID, first)
	}
}

func TestChatTokenExchangeRejectsBadShareToken(t *testing.T) {
	fixture := newChatFixture(t)
	resp, err := http.Get(fixture.server.URL + "/api/chat-token?tripId=trip-1&shareToken=wrong")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebsocketRejectsMissingOrForeignCredentials(t *testing.T) {
	fixture := newChatFixture(t)

	wsURL := strings.Replace(fixture.server.URL, "http://", "ws://", 1)
	if _, err := websocket.Dial(fmt.Sprintf("%s/ws?conversationId=%s&userType=client", wsURL, fixture.convID), "", fixture.server.URL); err == nil {
		t.Fatal("expected dial without chatToken to fail")
	}
	if _, err := websocket.Dial(fmt.Sprintf("%s/ws?conversationId=other-conv&userType=client&chatToken=%s", wsURL, fixture.chatToken), "", fixture.server.URL); err == nil {
		t.Fatal("expected dial against a foreign conversation to fail")
	}
	if _, err := websocket.Dial(fmt.Sprintf("%s/ws?conversationId=%s&userType=gremlin&chatToken=%s", wsURL, fixture.convID, fixture.chatToken), "", fixture.server.URL); err == nil {
		t.Fatal("expected dial with unknown role to fail")
	}
}

func TestClientMessageReachesAdvisorAndSeenFlowsBack(t *testing.T) {
	fixture := newChatFixture(t)
	advisorWS := fixture.dialAdvisorWS(t)
	clientWS := fixture.dialClientWS(t)

	resp := fixture.clientRequest(t, http.MethodPost, "/api/conversations/"+fixture.convID+"/messages/client", sendMessageRequest{Content: "Hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	var sent protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		t.Fatalf("decode send response: %v", err)
	}

	event := readEvent(t, advisorWS)
	incoming, ok := event.(protocol.NewMessage)
	if !ok {
		t.Fatalf("advisor event = %T, want NewMessage", event)
	}
	if incoming.Message.ID != sent.ID || incoming.Message.Content != "Hi" {
		t.Fatalf("advisor saw %+v, want message %q", incoming.Message, sent.ID)
	}
	if incoming.Message.SenderType != protocol.RoleClient {
		t.Fatalf("sender type = %q", incoming.Message.SenderType)
	}

	// The sender's own socket receives the same broadcast.
	echo := readEvent(t, clientWS)
	if echoed, ok := echo.(protocol.NewMessage); !ok || echoed.Message.ID != sent.ID {
		t.Fatalf("client echo = %+v", echo)
	}

	readResp := fixture.advisorRequest(t, http.MethodPost, "/api/conversations/"+fixture.convID+"/read", nil)
	defer readResp.Body.Close()
	if readResp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", readResp.StatusCode)
	}
	var readPayload struct {
		Updated int `json:"updated"`
	}
	if err := json.NewDecoder(readResp.Body).Decode(&readPayload); err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	if readPayload.Updated != 1 {
		t.Fatalf("updated = %d, want 1", readPayload.Updated)
	}

	seen := readEvent(t, clientWS)
	if _, ok := seen.(protocol.Seen); !ok {
		t.Fatalf("client event = %T, want Seen", seen)
	}
}

func TestTypingFrameFansOutToCounterparty(t *testing.T) {
	fixture := newChatFixture(t)
	advisorWS := fixture.dialAdvisorWS(t)
	clientWS := fixture.dialClientWS(t)

	if err := websocket.Message.Send(clientWS, `{"type":"typing","isTyping":true}`); err != nil {
		t.Fatalf("send typing frame: %v", err)
	}

	event := readEvent(t, advisorWS)
	typing, ok := event.(protocol.Typing)
	if !ok {
		t.Fatalf("advisor event = %T, want Typing", event)
	}
	if !typing.IsTyping {
		t.Fatal("advisor should see the client typing")
	}
	if typing.ClientTyping == nil || !*typing.ClientTyping {
		t.Fatal("advisor view should carry clientTyping")
	}

	// The TTL expiry delivers the falling edge without a stop frame.
	expiry := readEvent(t, advisorWS)
	if typing, ok := expiry.(protocol.Typing); !ok || typing.IsTyping {
		t.Fatalf("advisor expiry event = %+v", expiry)
	}
}

func TestReactionToggleBroadcastsToBothSides(t *testing.T) {
	fixture := newChatFixture(t)

	sendResp := fixture.clientRequest(t, http.MethodPost, "/api/conversations/"+fixture.convID+"/messages/client", sendMessageRequest{Content: "we landed!"})
	var sent protocol.Message
	if err := json.NewDecoder(sendResp.Body).Decode(&sent); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	sendResp.Body.Close()

	advisorWS := fixture.dialAdvisorWS(t)
	clientWS := fixture.dialClientWS(t)

	reactResp := fixture.advisorRequest(t, http.MethodPost, "/api/conversations/"+fixture.convID+"/messages/"+sent.ID+"/reactions", reactionRequest{Emoji: "🎉"})
	defer reactResp.Body.Close()
	if reactResp.StatusCode != http.StatusOK {
		t.Fatalf("reaction status = %d", reactResp.StatusCode)
	}

	for name, conn := range map[string]*websocket.Conn{"advisor": advisorWS, "client": clientWS} {
		event := readEvent(t, conn)
		update, ok := event.(protocol.ReactionUpdate)
		if !ok {
			t.Fatalf("%s event = %T, want ReactionUpdate", name, event)
		}
		if update.MessageID != sent.ID || len(update.Reactions) != 1 || update.Reactions[0].Emoji != "🎉" {
			t.Fatalf("%s update = %+v", name, update)
		}
	}
}

func TestMessageHistoryAndUnreadEndpoints(t *testing.T) {
	fixture := newChatFixture(t)
	for _, content := range []string{"first", "second"} {
		resp := fixture.clientRequest(t, http.MethodPost, "/api/conversations/"+fixture.convID+"/messages/client", sendMessageRequest{Content: content})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("send %q status = %d", content, resp.StatusCode)
		}
		resp.Body.Close()
	}

	listResp := fixture.advisorRequest(t, http.MethodGet, "/api/conversations/"+fixture.convID+"/messages", nil)
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", listResp.StatusCode)
	}
	var listPayload struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listPayload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listPayload.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(listPayload.Messages))
	}
	if listPayload.Messages[0].Content != "first" || listPayload.Messages[1].Content != "second" {
		t.Fatalf("history order = %+v", listPayload.Messages)
	}

	unreadResp := fixture.advisorRequest(t, http.MethodGet, "/api/conversations/"+fixture.convID+"/unread", nil)
	defer unreadResp.Body.Close()
	var unreadPayload struct {
		Unread int `json:"unread"`
	}
	if err := json.NewDecoder(unreadResp.Body).Decode(&unreadPayload); err != nil {
		t.Fatalf("decode unread: %v", err)
	}
	if unreadPayload.Unread != 2 {
		t.Fatalf("unread = %d, want 2", unreadPayload.Unread)
	}
}

func TestAdvisorFromAnotherOrgIsRejected(t *testing.T) {
	fixture := newChatFixture(t)

	// Conversation created for org-1; an org-2 advisor must not read it.
	if _, err := fixture.store.EnsureConversation(context.Background(), storage.ConversationRecord{
		ID:        "conv-foreign",
		OrgID:     "org-2",
		ClientID:  "client-9",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed foreign conversation: %v", err)
	}

	resp := fixture.advisorRequest(t, http.MethodGet, "/api/conversations/conv-foreign/messages", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdvisorRequestWithoutTokenIsRejected(t *testing.T) {
	fixture := newChatFixture(t)
	resp, err := http.Get(fixture.server.URL + "/api/conversations/" + fixture.convID + "/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
