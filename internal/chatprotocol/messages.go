// Package chatprotocol defines the messages exchanged between the bot and
// chat bridges. A bridge relays a chat platform (Telegram, Slack, ...) to the
// bot over a WebSocket connection.
package chatprotocol

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Decode unmarshals the payload into v
func (e EnvelopeRaw) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message without payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Bridge -> Bot messages

// RegisterMessage sent when a bridge first connects
type RegisterMessage struct {
	BridgeID string `json:"bridge_id"`
	Platform string `json:"platform,omitempty"`
}

// ChatMessage relays one inbound chat message
type ChatMessage struct {
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

// Bot -> Bridge messages

// SendMessage asks the bridge to post text to a chat
type SendMessage struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// ErrorMessage reports a rejected bridge message
type ErrorMessage struct {
	Message string `json:"message"`
}

// ParseModeMarkdown is the formatting used by all bot replies
const ParseModeMarkdown = "Markdown"

// Message type constants
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypeSend     = "send"
	TypeError    = "error"
	TypePing     = "ping"
	TypePong     = "pong"
)
