// Package client talks to a running lm-chat server over its HTTP API and follows its event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/lm-chat/internal/chat"
	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Client is an HTTP client for the lm-chat server.
type Client struct {
	baseURL string
	http    *http.Client
}

// StatusError is returned when the server answers with a non-success status.
type StatusError struct {
	Code    int
	Message string
}

// SessionSummary is a session as listed by the server, without its messages.
type SessionSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SelectedModel string `json:"selectedModel"`
	MessageCount  int    `json:"messageCount"`
	Active        bool   `json:"active"`
}

// SessionList is the server's session listing.
type SessionList struct {
	ActiveSessionID string           `json:"activeSessionId"`
	Sessions        []SessionSummary `json:"sessions"`
}

// ModelList is the server's model listing. Error holds the failure of the last refresh, if any.
type ModelList struct {
	Models []models.Model `json:"models"`
	Error  string         `json:"error"`
}

const maxErrorBody = 64 << 10

// New creates a Client for the server at baseURL. A nil httpClient uses a default client.
func New(baseURL string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d %s", e.Code, http.StatusText(e.Code))
	}
	return e.Message
}

// Send sends a user message to a session, or to the active session if sessionID is empty. It returns
// the id of the session the message went to. The reply streams over Follow.
func (c Client) Send(ctx context.Context, sessionID, text string) (string, error) {
	form := url.Values{"message": {text}}
	if sessionID != "" {
		form.Set("session_id", sessionID)
	}

	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.doForm(ctx, http.MethodPost, "/chats", form, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

// Cancel cancels the message that is currently streaming. It reports whether there was one.
func (c Client) Cancel(ctx context.Context) (bool, error) {
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.doForm(ctx, http.MethodPost, "/chats/cancel", nil, &res); err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

// Models returns the models the server knows about.
func (c Client) Models(ctx context.Context) (ModelList, error) {
	var res ModelList
	err := c.doForm(ctx, http.MethodGet, "/models", nil, &res)
	return res, err
}

// RefreshModels asks the server to fetch the model list again.
func (c Client) RefreshModels(ctx context.Context) (ModelList, error) {
	var res ModelList
	err := c.doForm(ctx, http.MethodPost, "/models/refresh", nil, &res)
	return res, err
}

// Sessions lists the sessions.
func (c Client) Sessions(ctx context.Context) (SessionList, error) {
	var res SessionList
	err := c.doForm(ctx, http.MethodGet, "/sessions", nil, &res)
	return res, err
}

// Session returns one session with its messages.
func (c Client) Session(ctx context.Context, id string) (models.Session, error) {
	var res models.Session
	err := c.doForm(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &res)
	return res, err
}

// CreateSession creates a session and makes it active.
func (c Client) CreateSession(ctx context.Context) (models.Session, error) {
	var res models.Session
	err := c.doForm(ctx, http.MethodPost, "/sessions", nil, &res)
	return res, err
}

// DeleteSession deletes a session.
func (c Client) DeleteSession(ctx context.Context, id string) (SessionList, error) {
	var res SessionList
	err := c.doForm(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id)+"?confirm=true", nil, &res)
	return res, err
}

// ActivateSession makes a session the active one.
func (c Client) ActivateSession(ctx context.Context, id string) error {
	return c.doForm(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/activate", nil, nil)
}

// RenameSession renames a session.
func (c Client) RenameSession(ctx context.Context, id, name string) (models.Session, error) {
	return c.putSession(ctx, id, "name", url.Values{"name": {name}})
}

// SetSessionModel sets the model a session sends to.
func (c Client) SetSessionModel(ctx context.Context, id, model string) (models.Session, error) {
	return c.putSession(ctx, id, "model", url.Values{"model": {model}})
}

// SetSystemPrompt sets a session's system prompt.
func (c Client) SetSystemPrompt(ctx context.Context, id, prompt string) (models.Session, error) {
	return c.putSession(ctx, id, "system-prompt", url.Values{"prompt": {prompt}})
}

func (c Client) putSession(ctx context.Context, id, field string, form url.Values) (models.Session, error) {
	var res models.Session
	err := c.doForm(ctx, http.MethodPut, "/sessions/"+url.PathEscape(id)+"/"+field, form, &res)
	return res, err
}

// Settings returns the global settings.
func (c Client) Settings(ctx context.Context) (models.GlobalSettings, error) {
	var res models.GlobalSettings
	err := c.doForm(ctx, http.MethodGet, "/settings", nil, &res)
	return res, err
}

// UpdateSettings applies a partial settings update and returns the resulting settings.
func (c Client) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.GlobalSettings, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return models.GlobalSettings{}, fmt.Errorf("failed to marshal settings: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/settings", bytes.NewReader(body))
	if err != nil {
		return models.GlobalSettings{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res models.GlobalSettings
	err = c.do(req, &res)
	return res, err
}

// Personas lists the saved personas.
func (c Client) Personas(ctx context.Context) ([]models.Persona, error) {
	var res []models.Persona
	err := c.doForm(ctx, http.MethodGet, "/personas", nil, &res)
	return res, err
}

// SavePersona saves a persona. Replacing an existing persona with the same name requires overwrite.
func (c Client) SavePersona(ctx context.Context, name, prompt string, overwrite bool) (models.Persona, error) {
	form := url.Values{
		"name":      {name},
		"prompt":    {prompt},
		"overwrite": {strconv.FormatBool(overwrite)},
	}
	var res models.Persona
	err := c.doForm(ctx, http.MethodPost, "/personas", form, &res)
	return res, err
}

// DeletePersona deletes a persona.
func (c Client) DeletePersona(ctx context.Context, id string) error {
	return c.doForm(ctx, http.MethodDelete, "/personas/"+url.PathEscape(id), nil, nil)
}

// Follow streams the server's chat events. With a sessionID it only yields that session's chat events
// and the model events. The sequence ends when ctx is cancelled or the server closes the stream.
func (c Client) Follow(ctx context.Context, sessionID string) iter.Seq2[chat.Event, error] {
	return func(yield func(chat.Event, error) bool) {
		target := c.baseURL + "/events"
		if sessionID != "" {
			target += "?session_id=" + url.QueryEscape(sessionID)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			yield(chat.Event{}, fmt.Errorf("failed to create request: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			yield(chat.Event{}, fmt.Errorf("failed to connect to event stream: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(chat.Event{}, statusError(resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(chat.Event{}, fmt.Errorf("failed to read event: %w", err))
				return
			}
			if ev.Type == "close" {
				return
			}

			var e chat.Event
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				if !yield(chat.Event{}, fmt.Errorf("failed to unmarshal event %q: %w", ev.Type, err)) {
					return
				}
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (c Client) doForm(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.do(req, out)
}

func (c Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError builds a StatusError from a failed response. JSON bodies carry the message in an
// "error" field; plain text bodies are the message.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var res struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &res) == nil && res.Error != "" {
		msg = res.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
