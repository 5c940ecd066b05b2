package app

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

const maxDecodeErrorsPerConn = 3

type socketIdentityContextKey struct{}

// socketIdentity is the resolved participant bound to one websocket, set by
// the HTTP layer before the upgrade.
type socketIdentity struct {
	conversationID string
	role           protocol.Role
	userID         string
	name           string
}

// wsPeer serializes event writes onto one websocket.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

// WriteEvent implements EventWriter.
func (p *wsPeer) WriteEvent(event protocol.Event) error {
	data, err := protocol.Encode(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(json.RawMessage(data))
}

// handleSocket runs one connection's read loop. The socket's only inbound
// concern is typing; messages, reactions, and read receipts arrive over
// HTTP and flow back out through the registry.
func handleSocket(conn *websocket.Conn, registry *Registry, presence *Presence) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	if request == nil {
		return
	}
	identity, ok := request.Context().Value(socketIdentityContextKey{}).(socketIdentity)
	if !ok {
		log.Printf("[CHAT] websocket opened without resolved identity, closing")
		return
	}

	peer := newWSPeer(json.NewEncoder(conn))
	handle := registry.Register(identity.conversationID, identity.role, identity.userID, peer)
	defer func() {
		registry.Unregister(handle)
		// A vanished connection should not leave its side stuck "typing".
		if registry.CountRole(identity.conversationID, identity.role) == 0 {
			presence.StopTyping(identity.conversationID, identity.role, nil)
		}
	}()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			log.Printf("[CHAT] drop undecodable frame on conversation %s: %v", identity.conversationID, err)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// json.Decoder does not resynchronize after a syntax error.
			decoder = json.NewDecoder(io.MultiReader(decoder.Buffered(), conn))
			continue
		}

		event, err := protocol.Decode(raw)
		if err != nil {
			decodeErrors++
			log.Printf("[CHAT] drop malformed frame on conversation %s: %v", identity.conversationID, err)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch typed := event.(type) {
		case protocol.Typing:
			if typed.IsTyping {
				presence.SetTyping(identity.conversationID, identity.role, handle)
			} else {
				presence.StopTyping(identity.conversationID, identity.role, handle)
			}
		default:
			// Messages, seen receipts, and reactions enter over HTTP; any
			// other inbound frame is ignored.
		}
	}
}
