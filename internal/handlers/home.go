package handlers

import (
	"net/http"

	"github.com/MegaGrindStone/lm-chat/internal/models"
)

type connectionStatus string

const (
	statusConnecting connectionStatus = "connecting"
	statusConnected  connectionStatus = "connected"
	statusError      connectionStatus = "error"
)

type homeData struct {
	ActiveSession models.Session        `json:"activeSession"`
	Sessions      []sessionSummary      `json:"sessions"`
	Settings      models.GlobalSettings `json:"settings"`
	Models        []models.Model        `json:"models"`
	ModelError    string                `json:"modelError,omitempty"`
	Status        connectionStatus      `json:"status"`
	Busy          bool                  `json:"busy"`
}

// HandleHome returns everything a client needs to draw its first screen: the active session, the
// session list, the settings, the known models and whether the model server is reachable.
func (m Main) HandleHome(w http.ResponseWriter, _ *http.Request) {
	list, modelErr := m.registry.Models()

	status := statusConnecting
	switch {
	case modelErr != "":
		status = statusError
	case len(list) > 0:
		status = statusConnected
	}

	m.writeJSON(w, http.StatusOK, homeData{
		ActiveSession: m.store.Active(),
		Sessions:      summarize(m.store.Sessions()),
		Settings:      m.store.Settings(),
		Models:        nonNil(list),
		ModelError:    modelErr,
		Status:        status,
		Busy:          m.chatter.Busy(),
	})
}
