package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/samber/lo"
)

type sessionSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SelectedModel string `json:"selectedModel"`
	MessageCount  int    `json:"messageCount"`
	Active        bool   `json:"active,omitempty"`
}

type sessionsResponse struct {
	ActiveSessionID string           `json:"activeSessionId"`
	Sessions        []sessionSummary `json:"sessions"`
}

var errDeleteNotConfirmed = &models.Error{
	Kind:    models.KindPrecondition,
	Message: "deleting a session must be confirmed with confirm=true",
}

func summarize(sessions []models.Session) []sessionSummary {
	return lo.Map(sessions, func(s models.Session, _ int) sessionSummary {
		return sessionSummary{
			ID:            s.ID,
			Name:          s.Name,
			SelectedModel: s.SelectedModel,
			MessageCount:  len(s.Messages),
		}
	})
}

// HandleSessions lists every session, without messages, in creation order.
func (m Main) HandleSessions(w http.ResponseWriter, _ *http.Request) {
	activeID := m.store.ActiveID()
	summaries := summarize(m.store.Sessions())
	for i := range summaries {
		summaries[i].Active = summaries[i].ID == activeID
	}
	m.writeJSON(w, http.StatusOK, sessionsResponse{ActiveSessionID: activeID, Sessions: summaries})
}

// HandleCreateSession creates a session that starts with the active session's model and system prompt,
// and makes it active.
func (m Main) HandleCreateSession(w http.ResponseWriter, _ *http.Request) {
	active := m.store.Active()
	sess := m.store.CreateSession(active.SelectedModel, active.CurrentSystemPrompt)

	m.logger.Info("Created session", slog.String("sessionID", sess.ID), slog.String("name", sess.Name))
	m.writeJSON(w, http.StatusCreated, sess)
}

// HandleSession returns one session with its messages.
func (m Main) HandleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.store.Session(r.PathValue("id"))
	if !ok {
		m.writeError(w, models.ErrSessionNotFound)
		return
	}
	m.writeJSON(w, http.StatusOK, sess)
}

// HandleDeleteSession deletes a session. Deletion can't be undone, so the request must carry
// confirm=true. The last remaining session can't be deleted.
func (m Main) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if ok, _ := strconv.ParseBool(r.FormValue("confirm")); !ok {
		m.writeError(w, errDeleteNotConfirmed)
		return
	}

	id := r.PathValue("id")
	if err := m.store.DeleteSession(id); err != nil {
		m.writeError(w, err)
		return
	}

	m.logger.Info("Deleted session", slog.String("sessionID", id))
	m.writeJSON(w, http.StatusOK, sessionsResponse{
		ActiveSessionID: m.store.ActiveID(),
		Sessions:        summarize(m.store.Sessions()),
	})
}

// HandleActivateSession makes a session the active one.
func (m Main) HandleActivateSession(w http.ResponseWriter, r *http.Request) {
	if !m.store.SwitchActive(r.PathValue("id")) {
		m.writeError(w, models.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRenameSession renames a session from the "name" form field.
func (m Main) HandleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m.updateSession(w, id, m.store.RenameSession(id, r.FormValue("name")))
}

// HandleSetSessionModel sets a session's model from the "model" form field. An empty value clears it.
func (m Main) HandleSetSessionModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m.updateSession(w, id, m.store.SetSessionModel(id, r.FormValue("model")))
}

// HandleSetSystemPrompt sets a session's system prompt from the "prompt" form field.
func (m Main) HandleSetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m.updateSession(w, id, m.store.SetSessionSystemPrompt(id, r.FormValue("prompt")))
}

func (m Main) updateSession(w http.ResponseWriter, id string, err error) {
	if err != nil {
		m.writeError(w, err)
		return
	}
	sess, ok := m.store.Session(id)
	if !ok {
		m.writeError(w, models.ErrSessionNotFound)
		return
	}
	m.writeJSON(w, http.StatusOK, sess)
}
