package protocol

import (
	"encoding/json"
	"fmt"
)

// TextContent is a single text item in an outbound message envelope.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MessageToSendInner is the inner part of messages we send.
type MessageToSendInner struct {
	Role    string        `json:"role"`
	Content []TextContent `json:"content"`
}

// MessageToSend is the envelope the agent process expects on stdin, used for
// both the live prompt and history replay entries.
type MessageToSend struct {
	Type    string             `json:"type"`
	Message MessageToSendInner `json:"message"`
}

// NewTextMessage wraps a role and text in the outbound envelope. The envelope
// type mirrors the role: "user" for user entries, "assistant" otherwise.
func NewTextMessage(role, text string) MessageToSend {
	envelopeType := "assistant"
	if role == "user" {
		envelopeType = "user"
	}
	return MessageToSend{
		Type: envelopeType,
		Message: MessageToSendInner{
			Role:    role,
			Content: []TextContent{{Type: "text", Text: text}},
		},
	}
}

// Marshal serializes the message to a JSON line ready to write to the
// process. The trailing newline is the writer's responsibility.
func (m MessageToSend) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal MessageToSend: %w", err)
	}
	return b, nil
}
