package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

// WSDialer dials the chat service's /ws endpoint, re-sending the same
// credentials on every attempt so a reconnect needs no extra handshake.
type WSDialer struct {
	BaseURL        string
	Origin         string
	ConversationID string
	Role           protocol.Role
	UserID         string
	ChatToken      string
	AccessToken    string
}

type wsConn struct {
	conn    *websocket.Conn
	decoder *json.Decoder
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	origin := d.Origin
	if origin == "" {
		origin = "http://localhost"
	}
	config, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		return nil, fmt.Errorf("build websocket config: %w", err)
	}
	if d.AccessToken != "" {
		config.Header.Set("Authorization", "Bearer "+d.AccessToken)
	}

	conn, err := websocket.DialConfig(config)
	if err != nil {
		return nil, fmt.Errorf("dial conversation socket: %w", err)
	}
	return &wsConn{conn: conn, decoder: json.NewDecoder(conn)}, nil
}

func (d *WSDialer) endpoint() (string, error) {
	base := strings.TrimSpace(d.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is required")
	}
	if strings.TrimSpace(d.ConversationID) == "" {
		return "", fmt.Errorf("conversation id is required")
	}
	if !d.Role.Valid() {
		return "", fmt.Errorf("unknown role %q", d.Role)
	}

	query := url.Values{}
	query.Set("conversationId", d.ConversationID)
	query.Set("userType", string(d.Role))
	if d.UserID != "" {
		query.Set("userId", d.UserID)
	}
	if d.ChatToken != "" {
		query.Set("chatToken", d.ChatToken)
	}
	return strings.TrimRight(base, "/") + "/ws?" + query.Encode(), nil
}

// ReadEvent implements Conn.
func (c *wsConn) ReadEvent() (protocol.Event, error) {
	var raw json.RawMessage
	if err := c.decoder.Decode(&raw); err != nil {
		return nil, err
	}
	return protocol.Decode(raw)
}

// Close implements Conn.
func (c *wsConn) Close() error {
	return c.conn.Close()
}

// SendTyping implements TypingSender over the live socket.
func (c *wsConn) SendTyping(isTyping bool) error {
	data, err := protocol.Encode(protocol.Typing{IsTyping: isTyping})
	if err != nil {
		return err
	}
	return websocket.Message.Send(c.conn, string(data))
}
