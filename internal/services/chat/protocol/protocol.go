// Package protocol defines the wire events exchanged over a conversation
// channel and their encode/decode contract.
//
// Frames are flat JSON objects with a "type" discriminator. Decoding is
// tolerant: unknown discriminators map to an Unknown event instead of an
// error so one unrecognized frame never tears down a connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	// RoleAdvisor is the agency side of a conversation.
	RoleAdvisor Role = "advisor"
	// RoleClient is the traveler side of a conversation.
	RoleClient Role = "client"
)

// Valid reports whether the role is one of the two known sides.
func (r Role) Valid() bool {
	return r == RoleAdvisor || r == RoleClient
}

// Other returns the counterparty role.
func (r Role) Other() Role {
	if r == RoleAdvisor {
		return RoleClient
	}
	return RoleAdvisor
}

// Event type discriminators carried in the "type" field of every frame.
const (
	TypeNewMessage     = "new_message"
	TypeTyping         = "typing"
	TypeSeen           = "seen"
	TypeReactionUpdate = "reaction_update"
)

// Message is the canonical wire representation of one persisted chat
// message. The HTTP send response and the socket broadcast carry this exact
// shape so the sender and its peers never diverge.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	OrgID          string `json:"orgId"`
	SenderType     Role   `json:"senderType"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
	IsRead         bool   `json:"isRead"`
	SeenAt         string `json:"seenAt,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// Reaction is the wire representation of one emoji reaction on a message.
type Reaction struct {
	ID             string `json:"id"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ReactorType    Role   `json:"reactorType"`
	ReactorID      string `json:"reactorId"`
	ReactorName    string `json:"reactorName"`
	Emoji          string `json:"emoji"`
	CreatedAt      string `json:"createdAt"`
}

// Event is one member of the closed set of wire events.
type Event interface {
	EventType() string
}

// NewMessage announces a persisted message to conversation subscribers.
type NewMessage struct {
	Message Message `json:"message"`
}

// EventType implements Event.
func (NewMessage) EventType() string { return TypeNewMessage }

// Typing reports an ephemeral typing-state change.
//
// The advisor-facing view carries both per-role flags; the client-facing
// view carries only AdvisorTyping. Pointer fields distinguish "false" from
// "not reported to this view".
type Typing struct {
	IsTyping      bool  `json:"isTyping"`
	AdvisorTyping *bool `json:"advisorTyping,omitempty"`
	ClientTyping  *bool `json:"clientTyping,omitempty"`
}

// EventType implements Event.
func (Typing) EventType() string { return TypeTyping }

// Seen carries the counterparty's read watermark.
type Seen struct {
	SeenAt string `json:"seenAt"`
}

// EventType implements Event.
func (Seen) EventType() string { return TypeSeen }

// ReactionUpdate carries the full replacement reaction list for one
// message. Consumers must replace their local list, never merge, so missed
// intermediate states cannot cause divergence.
type ReactionUpdate struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// EventType implements Event.
func (ReactionUpdate) EventType() string { return TypeReactionUpdate }

// Unknown preserves a frame whose discriminator this build does not know.
// Receivers ignore it; keeping the raw bytes aids debugging.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

// EventType implements Event.
func (u Unknown) EventType() string { return u.Type }

// Flag returns a pointer to v for optional typing-view fields.
func Flag(v bool) *bool { return &v }

// Encode marshals an event into a flat frame with its type discriminator.
func Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, errors.New("event is required")
	}
	if unknown, ok := event.(Unknown); ok {
		return append([]byte(nil), unknown.Raw...), nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", event.EventType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s event: %w", event.EventType(), err)
	}
	fields["type"] = json.RawMessage(strconv.Quote(event.EventType()))
	return json.Marshal(fields)
}

// Decode parses one frame into its event variant.
//
// Malformed JSON and missing discriminators return an error the caller
// should log and drop; an unrecognized discriminator returns Unknown and a
// nil error.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	kind := strings.TrimSpace(head.Type)
	if kind == "" {
		return nil, errors.New("frame type is required")
	}

	switch kind {
	case TypeNewMessage:
		var event NewMessage
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("decode new_message frame: %w", err)
		}
		return event, nil
	case TypeTyping:
		var event Typing
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("decode typing frame: %w", err)
		}
		return event, nil
	case TypeSeen:
		var event Seen
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("decode seen frame: %w", err)
		}
		return event, nil
	case TypeReactionUpdate:
		var event ReactionUpdate
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("decode reaction_update frame: %w", err)
		}
		return event, nil
	default:
		return Unknown{Type: kind, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
