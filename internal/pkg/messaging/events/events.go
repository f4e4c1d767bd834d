// Package events defines the JSON envelopes carried on a conversation's
// channel topic. Message change notifications and ephemeral typing signals
// share the topic; the Kind tag keeps the durable and ephemeral streams from
// contaminating each other.
package events

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindMessageInsert Kind = "message.insert"
	KindMessageUpdate Kind = "message.update"
	KindTyping        Kind = "typing"
)

// Envelope is the single wire shape for all conversation channel traffic.
// MessageID is set for insert/update events; UserID and Typing for presence.
type Envelope struct {
	Kind           Kind   `json:"kind"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Typing         bool   `json:"typing,omitempty"`
}

// Topic names the channel for one conversation.
func Topic(conversationID string) string {
	return "conv:" + conversationID
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("events: envelope missing kind")
	}
	return e, nil
}
