// Package v1 defines the Ripple chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypePresenceOnline announces a user on a connection (client -> server).
	TypePresenceOnline = "presence:online"
	// TypePresenceUpdate carries presence state (server -> client).
	// A joining connection receives a full snapshot (PresenceSnapshotPayload);
	// everyone else receives a delta (PresenceEntry).
	TypePresenceUpdate = "presence:update"

	// TypeSendMessage requests broadcasting and persisting a message (client -> server).
	TypeSendMessage = "send-message"
	// TypeNewMessage broadcasts an accepted message to all connections (server -> client).
	TypeNewMessage = "new-message"
	// TypeMessageAck confirms durable persistence of one message (server -> sender only).
	TypeMessageAck = "message:ack"
	// TypeMessageAckBatch confirms durable persistence of several messages at once
	// (server -> sender only).
	TypeMessageAckBatch = "message:ack:batch"

	// TypeTypingStart / TypeTypingStop relay typing indicators to other connections.
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"

	// TypeReactionAdd toggles a user's reaction on a persisted message
	// (client -> server). Reacting twice with the same emoji removes it.
	TypeReactionAdd = "reaction:add"
	// TypeReactionUpdate broadcasts the count delta of a toggled reaction
	// (server -> all clients, sender included).
	TypeReactionUpdate = "reaction:update"

	// TypeServerBusy signals admission rejection to the offending sender only.
	TypeServerBusy = "server-busy"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
// Payload is optional: typing and server-busy envelopes may carry none.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypePresenceOnline,
		TypePresenceUpdate,
		TypeSendMessage,
		TypeNewMessage,
		TypeMessageAck,
		TypeMessageAckBatch,
		TypeTypingStart,
		TypeTypingStop,
		TypeReactionAdd,
		TypeReactionUpdate,
		TypeServerBusy,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Seal marshals payload and wraps it in an Envelope.
// A nil payload produces an envelope without a payload field.
func Seal(typ, id string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{
		V:    Version,
		Type: typ,
		ID:   id,
		TS:   ts,
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// ---- Payloads ----

// PresenceEntry is one user's live status. It doubles as the delta shape
// broadcast under presence:update when a user goes online or offline.
type PresenceEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceOnlinePayload announces the identity behind a connection.
type PresenceOnlinePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresenceSnapshotPayload is the full presence state sent to a joining connection.
type PresenceSnapshotPayload struct {
	Users []PresenceEntry `json:"users"`
}

// SendMessagePayload requests a message broadcast + durable persistence.
type SendMessagePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

// NewMessagePayload is broadcast to all connections the moment a message is accepted.
// Snowflake is the 64-bit ordering identifier; it must stay an integer on the wire.
type NewMessagePayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Snowflake int64     `json:"snowflake"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageAckPayload confirms persistence of a single message to its sender.
// ID is the relational row id assigned at flush time.
type MessageAckPayload struct {
	ID        string `json:"id"`
	Snowflake int64  `json:"snowflake"`
}

// MessageAckBatchPayload confirms persistence of several messages to their sender.
type MessageAckBatchPayload struct {
	Snowflakes []int64 `json:"snowflakes"`
}

// TypingPayload identifies who is typing. typing:stop omits the username.
type TypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ReactionAddPayload toggles userId's emojiCode reaction on a persisted
// message. MessageID is the relational row id from message:ack, not the
// snowflake: unflushed messages cannot carry reactions yet.
type ReactionAddPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	EmojiCode int    `json:"emojiCode"`
}

// ReactionUpdatePayload broadcasts the outcome of a toggle as a count delta
// (+1 added, -1 removed) so clients adjust their counters without refetching.
type ReactionUpdatePayload struct {
	MessageID string `json:"messageId"`
	EmojiCode int    `json:"emojiCode"`
	Delta     int    `json:"delta"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- History (HTTP) ----

// HistoryMessage is one row of the paginated history response.
// ID is empty for messages not yet flushed to the relational store.
type HistoryMessage struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Snowflake int64     `json:"snowflake"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryResponse is the GET /api/messages response body.
// Messages are sorted ascending by snowflake.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}
