package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/lm-chat/internal/models"
)

type modelsResponse struct {
	Models []models.Model `json:"models"`
	Error  string         `json:"error,omitempty"`
}

// HandleChats sends a user message. It expects a "message" form field and an optional "session_id";
// without one the message goes to the active session.
//
// The reply is not part of the response: the handler answers 202 Accepted as soon as the request is
// underway, and the reply streams over /events. A message rejected before sending (empty, or no model
// selected) answers 400, and a message sent while another is still streaming answers 409.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = m.store.ActiveID()
	}
	msg := r.FormValue("message")

	if err := m.chatter.Send(r.Context(), sessionID, msg); err != nil {
		m.logger.Warn("Message rejected",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, err)
		return
	}

	m.writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sessionID})
}

// HandleCancel cancels the message that is currently streaming, if any.
func (m Main) HandleCancel(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": m.chatter.Cancel()})
}

// HandleModels returns the known models along with the error of the last refresh, if it failed.
func (m Main) HandleModels(w http.ResponseWriter, _ *http.Request) {
	list, errMsg := m.registry.Models()
	m.writeJSON(w, http.StatusOK, modelsResponse{Models: nonNil(list), Error: errMsg})
}

// HandleRefreshModels fetches the model list from the configured API base URL and returns it. A failed
// fetch answers 502 with the error message in the body.
func (m Main) HandleRefreshModels(w http.ResponseWriter, r *http.Request) {
	list, err := m.registry.Refresh(r.Context(), m.store.Settings().APIBaseURL)
	if err != nil {
		m.writeJSON(w, http.StatusBadGateway, modelsResponse{Models: []models.Model{}, Error: err.Error()})
		return
	}
	m.writeJSON(w, http.StatusOK, modelsResponse{Models: nonNil(list)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
