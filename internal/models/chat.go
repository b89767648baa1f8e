package models

import (
	"slices"

	goopenai "github.com/sashabaranov/go-openai"
)

// Session represents one independent conversation. Each session carries its own model selection and
// system prompt, so switching sessions switches both. The ID is stable for the session's lifetime.
type Session struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Messages            []Message `json:"messages"`
	SelectedModel       string    `json:"selectedModel"`
	CurrentSystemPrompt string    `json:"currentSystemPrompt"`
}

// GlobalSettings holds the request parameters shared by every session. The system prompt is
// deliberately absent here since it belongs to the session.
type GlobalSettings struct {
	APIBaseURL  string  `json:"apiUrl"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// SettingsPatch is a partial update of GlobalSettings. Nil fields are left unchanged.
type SettingsPatch struct {
	APIBaseURL  *string  `json:"apiUrl,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// Persona is a named, reusable system prompt. Sessions copy the prompt text by value, so editing or
// deleting a persona never rewrites existing sessions.
type Persona struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Model is one entry reported by the server's model listing.
type Model struct {
	ID string `json:"id"`
}

// Bounds of GlobalSettings values.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 1
	MaxMaxTokens   = 8192
)

// DefaultSettings returns the settings used when nothing has been persisted yet.
func DefaultSettings() GlobalSettings {
	return GlobalSettings{
		APIBaseURL:  "http://127.0.0.1:1234/v1",
		Temperature: 0.7,
		MaxTokens:   1024,
	}
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	s.Messages = slices.Clone(s.Messages)
	return s
}

// ChatRequest is the body of a streaming chat completion request. Temperature is always sent, since
// zero is a meaningful value.
type ChatRequest struct {
	Messages    []goopenai.ChatCompletionMessage `json:"messages"`
	Model       string                           `json:"model"`
	Temperature float64                          `json:"temperature"`
	MaxTokens   int                              `json:"max_tokens"`
	Stream      bool                             `json:"stream"`
}
