package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	lmchat "github.com/MegaGrindStone/lm-chat"
	"github.com/MegaGrindStone/lm-chat/internal/chat"
	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/MegaGrindStone/lm-chat/internal/store"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Chatter sends user messages to the model server.
type Chatter interface {
	Send(ctx context.Context, sessionID, text string) error
	Cancel() bool
	Busy() bool
}

// ModelRegistry holds the models served by the model server.
type ModelRegistry interface {
	Models() ([]models.Model, string)
	Refresh(ctx context.Context, baseURL string) ([]models.Model, error)
}

// EventSource delivers the chat events that are forwarded to SSE clients.
type EventSource interface {
	Subscribe(buffer int) (<-chan chat.Event, func())
}

// Main serves the HTTP surface of the chat core: a JSON API over the session store, the send and
// cancel commands, and a server-sent event stream of chat events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	static    http.Handler
	markdown  goldmark.Markdown

	store    *store.Store
	chatter  Chatter
	registry ModelRegistry
	events   EventSource

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	// modelsSSETopic carries model list events to clients that follow a single session.
	modelsSSETopic = "models"

	sseBuffer = 256
)

// NewMain creates a Main. The SSE server subscribes clients to every event by default; a client that
// passes a session_id query parameter only gets that session's chat events plus the model events.
func NewMain(
	st *store.Store,
	chatter Chatter,
	registry ModelRegistry,
	events EventSource,
	logger *slog.Logger,
) (Main, error) {
	tmpl, err := template.ParseFS(lmchat.TemplateFS, "templates/*.html")
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}
	staticFS, err := fs.Sub(lmchat.StaticFS, "static")
	if err != nil {
		return Main{}, fmt.Errorf("failed to open static files: %w", err)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				if sessionID := s.Req.URL.Query().Get("session_id"); sessionID != "" {
					topics = []string{sessionTopic(sessionID), modelsSSETopic}
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		static:    http.FileServer(http.FS(staticFS)),
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
		),
		store:    st,
		chatter:  chatter,
		registry: registry,
		events:   events,
		logger:   logger.With(slog.String("module", "handlers")),
	}, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// Routes returns the handler for the whole HTTP surface.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.StripPrefix("/static/", m.static))
	mux.HandleFunc("GET /{$}", m.HandleHome)
	mux.Handle("GET /events", m.sseSrv)

	mux.HandleFunc("POST /chats", m.HandleChats)
	mux.HandleFunc("POST /chats/cancel", m.HandleCancel)
	mux.HandleFunc("GET /models", m.HandleModels)
	mux.HandleFunc("POST /models/refresh", m.HandleRefreshModels)

	mux.HandleFunc("GET /sessions", m.HandleSessions)
	mux.HandleFunc("POST /sessions", m.HandleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", m.HandleSession)
	mux.HandleFunc("DELETE /sessions/{id}", m.HandleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/activate", m.HandleActivateSession)
	mux.HandleFunc("PUT /sessions/{id}/name", m.HandleRenameSession)
	mux.HandleFunc("PUT /sessions/{id}/model", m.HandleSetSessionModel)
	mux.HandleFunc("PUT /sessions/{id}/system-prompt", m.HandleSetSystemPrompt)
	mux.HandleFunc("GET /sessions/{id}/transcript", m.HandleTranscript)

	mux.HandleFunc("GET /settings", m.HandleSettings)
	mux.HandleFunc("PATCH /settings", m.HandleUpdateSettings)
	mux.HandleFunc("GET /personas", m.HandlePersonas)
	mux.HandleFunc("POST /personas", m.HandleSavePersona)
	mux.HandleFunc("DELETE /personas/{id}", m.HandleDeletePersona)

	return mux
}

// Name identifies the event bridge in a service group.
func (m Main) Name() string { return "sse" }

// Run forwards chat events to SSE clients until ctx is cancelled. Chat events go to the default topic
// and to their session's topic; model events go to the default and models topics.
func (m Main) Run(ctx context.Context) error {
	events, unsubscribe := m.events.Subscribe(sseBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.publish(ev)
		}
	}
}

func (m Main) publish(ev chat.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal event",
			slog.String("type", string(ev.Type)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: sse.Type(string(ev.Type)),
	}
	msg.AppendData(string(data))

	topics := []string{sse.DefaultTopic, modelsSSETopic}
	if ev.SessionID != "" {
		topics = []string{sse.DefaultTopic, sessionTopic(ev.SessionID)}
	}
	if err := m.sseSrv.Publish(&msg, topics...); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("type", string(ev.Type)),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate. After the timeout, any remaining
// connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// SSE requires data on every event.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e, sse.DefaultTopic, modelsSSETopic)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

// writeError reports err with the status its kind maps to: 400 for rejected input, 404 for unknown
// ids, 409 for state conflicts, 502 for upstream failures.
func (m Main) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrPersonaNotFound):
		status = http.StatusNotFound
	default:
		switch models.KindOf(err) {
		case models.KindValidation:
			status = http.StatusBadRequest
		case models.KindPrecondition:
			status = http.StatusConflict
		case models.KindTransport, models.KindProtocol:
			status = http.StatusBadGateway
		}
	}

	if status == http.StatusInternalServerError {
		m.logger.Error("Request failed", slog.String(errLoggerKey, err.Error()))
	}
	http.Error(w, err.Error(), status)
}
