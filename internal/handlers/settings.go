package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/lm-chat/internal/models"
)

// HandleSettings returns the global settings.
func (m Main) HandleSettings(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.store.Settings())
}

// HandleUpdateSettings merges a JSON settings patch into the global settings. Fields left out of the
// body are unchanged. Nothing is applied if any field is invalid.
func (m Main) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		m.writeError(w, models.ValidationError("settings body must be a JSON object: "+err.Error()))
		return
	}

	settings, err := m.store.SetGlobalSettings(patch)
	if err != nil {
		m.writeError(w, err)
		return
	}
	m.writeJSON(w, http.StatusOK, settings)
}

// HandlePersonas lists the saved personas.
func (m Main) HandlePersonas(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, nonNil(m.store.Personas()))
}

// HandleSavePersona saves a persona from the "name" and "prompt" form fields. Replacing a persona with
// the same name (ignoring case) requires overwrite=true; without it the request answers 409.
func (m Main) HandleSavePersona(w http.ResponseWriter, r *http.Request) {
	overwrite, _ := strconv.ParseBool(r.FormValue("overwrite"))

	p, err := m.store.SavePersona(r.FormValue("name"), r.FormValue("prompt"), func(models.Persona) bool {
		return overwrite
	})
	if err != nil {
		m.writeError(w, err)
		return
	}

	m.logger.Info("Saved persona", slog.String("personaID", p.ID), slog.String("name", p.Name))
	m.writeJSON(w, http.StatusCreated, p)
}

// HandleDeletePersona deletes a persona. If the active session uses its prompt, that prompt is cleared.
func (m Main) HandleDeletePersona(w http.ResponseWriter, r *http.Request) {
	if err := m.store.DeletePersona(r.PathValue("id")); err != nil {
		m.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
