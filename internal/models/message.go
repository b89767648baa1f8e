package models

import (
	"fmt"
	"strings"
)

// Message is one entry of a session's chat log. The ID is assigned at creation and never changes. While
// IsStreaming is true the Text only grows; once the stream ends the message is frozen.
type Message struct {
	ID          string `json:"id"`
	Sender      Sender `json:"sender"`
	Text        string `json:"text"`
	IsStreaming bool   `json:"isStreaming,omitempty"`
	IsError     bool   `json:"isError,omitempty"`
}

// MessagePatch describes an update to an existing message. The shape only allows what a message may
// legally undergo: appending text while streaming, ending the stream, and being flagged as an error.
type MessagePatch struct {
	AppendText string
	EndStream  bool
	MarkError  bool
}

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser is a message typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant is a message produced by the model.
	SenderAssistant Sender = "assistant"
	// SenderSystem is a locally generated notice, usually an error. It is never sent upstream.
	SenderSystem Sender = "system"
)

// UnmarshalText accepts the canonical sender names as well as the display names used by older
// persisted chat logs ("You", "AI", "System").
func (s *Sender) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "user", "you":
		*s = SenderUser
	case "assistant", "ai":
		*s = SenderAssistant
	case "system":
		*s = SenderSystem
	default:
		return fmt.Errorf("unknown sender %q", string(text))
	}
	return nil
}

// Apply returns a copy of m with the patch applied. Text is only appended while the message is still
// streaming, so late or duplicated stream events leave a finished message untouched.
func (m Message) Apply(p MessagePatch) Message {
	if m.IsStreaming {
		m.Text += p.AppendText
		if p.EndStream {
			m.IsStreaming = false
		}
	}
	if p.MarkError {
		m.IsError = true
	}
	return m
}

// NewSystemError builds the System-sender message used to surface a failure inside a chat log.
func NewSystemError(id, text string) Message {
	return Message{
		ID:      id,
		Sender:  SenderSystem,
		Text:    "Error: " + text,
		IsError: true,
	}
}
