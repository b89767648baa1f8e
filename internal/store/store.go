// Package store holds the in-memory table of chat sessions, global settings and personas. It is the
// single mutable resource of the chat core: every change goes through one of its operations, each of
// which is atomic, and a serialized mirror is written behind to a key-value backend.
package store

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// ConfirmFunc is asked before an existing persona is overwritten. Returning false keeps the original.
type ConfirmFunc func(existing models.Persona) bool

// Store owns all Session, GlobalSettings and Persona data for the lifetime of the process.
type Store struct {
	mu       sync.RWMutex
	sessions []models.Session
	activeID string
	settings models.GlobalSettings
	personas []models.Persona

	kv       KV
	flushMu  sync.Mutex
	dirty    chan struct{}
	baseURLs chan string
	debounce time.Duration
	maxDelay time.Duration

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithFlushDelay sets how long the store waits for writes to settle before flushing, and the longest
// it lets a busy store go without a flush.
func WithFlushDelay(debounce, maxDelay time.Duration) Option {
	return func(s *Store) {
		s.debounce = debounce
		s.maxDelay = maxDelay
	}
}

// WithDefaults sets the global settings used until persisted settings are loaded.
func WithDefaults(settings models.GlobalSettings) Option {
	return func(s *Store) {
		s.settings = settings
	}
}

// New creates a Store backed by kv. The store starts out usable with a single empty session; call Load
// to replace that with the persisted state.
func New(kv KV, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		settings: models.DefaultSettings(),
		kv:       kv,
		dirty:    make(chan struct{}, 1),
		baseURLs: make(chan string, 1),
		debounce: 300 * time.Millisecond,
		maxDelay: 2 * time.Second,
		logger:   logger.With(slog.String("module", "store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = []models.Session{newSession(1, "", "")}
	s.activeID = s.sessions[0].ID
	return s
}

func newSession(n int, model, prompt string) models.Session {
	return models.Session{
		ID:                  uuid.NewString(),
		Name:                fmt.Sprintf("Chat %d", n),
		Messages:            []models.Message{},
		SelectedModel:       model,
		CurrentSystemPrompt: prompt,
	}
}

// Sessions returns a copy of every session in insertion order.
func (s *Store) Sessions() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.sessions, func(sess models.Session, _ int) models.Session {
		return sess.Clone()
	})
}

// Session returns a copy of the session with the given id.
func (s *Store) Session(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return models.Session{}, false
	}
	return s.sessions[i].Clone(), true
}

// Active returns a copy of the active session.
func (s *Store) Active() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[s.indexOf(s.activeID)].Clone()
}

// ActiveID returns the id of the active session.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Settings returns the global settings.
func (s *Store) Settings() models.GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Personas returns a copy of the saved personas.
func (s *Store) Personas() []models.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.personas)
}

// CreateSession adds an empty session named "Chat N", where N is the session count after the insert,
// and makes it active. The model and system prompt are usually inherited from the active session.
func (s *Store) CreateSession(inheritModel, inheritPrompt string) models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := newSession(len(s.sessions)+1, inheritModel, inheritPrompt)
	s.sessions = append(s.sessions, sess)
	s.activeID = sess.ID
	s.markDirty()

	return sess.Clone()
}

// SwitchActive makes id the active session. It reports false and changes nothing if there is no such
// session.
func (s *Store) SwitchActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(id) < 0 {
		return false
	}
	if s.activeID != id {
		s.activeID = id
		s.markDirty()
	}
	return true
}

// RenameSession sets the session's name. Names are trimmed and must not be empty.
func (s *Store) RenameSession(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ValidationError("session name cannot be empty")
	}

	return s.updateSession(id, func(sess *models.Session) {
		sess.Name = name
	})
}

// DeleteSession removes a session. The last remaining session can't be deleted. If the active session
// is removed, the first remaining session in insertion order becomes active.
func (s *Store) DeleteSession(id string) error {
	if id == "" {
		return models.ErrNoSelection
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.ErrSessionNotFound
	}
	if len(s.sessions) <= 1 {
		return models.ErrLastSession
	}

	s.sessions = slices.Delete(slices.Clone(s.sessions), i, i+1)
	if s.activeID == id {
		s.activeID = s.sessions[0].ID
	}
	s.markDirty()
	return nil
}

// AppendMessage adds msg to the end of the session's log and returns it. An id is generated if msg has
// none. Other sessions are not touched.
func (s *Store) AppendMessage(sessionID string, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	err := s.updateSession(sessionID, func(sess *models.Session) {
		sess.Messages = append(slices.Clip(sess.Messages), msg)
	})
	return msg, err
}

// UpdateMessage applies patch to one message of one session. Unknown sessions and messages are ignored,
// since stream events may arrive after the target was deleted.
func (s *Store) UpdateMessage(sessionID, messageID string, patch models.MessagePatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(sessionID)
	if i < 0 {
		return
	}
	j := slices.IndexFunc(s.sessions[i].Messages, func(m models.Message) bool { return m.ID == messageID })
	if j < 0 {
		return
	}

	msgs := slices.Clone(s.sessions[i].Messages)
	msgs[j] = msgs[j].Apply(patch)
	s.sessions[i].Messages = msgs
	s.markDirty()
}

// SetSessionModel sets the session's selected model. An empty id clears the selection.
func (s *Store) SetSessionModel(sessionID, modelID string) error {
	return s.updateSession(sessionID, func(sess *models.Session) {
		sess.SelectedModel = modelID
	})
}

// SetSessionModelIf sets the session's model only if it is still expected. It reports whether the
// model was set.
func (s *Store) SetSessionModelIf(sessionID, expected, modelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(sessionID)
	if i < 0 {
		return false, models.ErrSessionNotFound
	}
	if s.sessions[i].SelectedModel != expected {
		return false, nil
	}
	s.sessions[i].SelectedModel = modelID
	s.markDirty()
	return true, nil
}

// SetSessionSystemPrompt sets the session's system prompt.
func (s *Store) SetSessionSystemPrompt(sessionID, text string) error {
	return s.updateSession(sessionID, func(sess *models.Session) {
		sess.CurrentSystemPrompt = text
	})
}

// SetGlobalSettings merges patch into the global settings. Nothing changes unless every patched field
// is valid. A changed API base URL is announced on BaseURLChanges.
func (s *Store) SetGlobalSettings(patch models.SettingsPatch) (models.GlobalSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	var errs error
	if patch.APIBaseURL != nil {
		u, err := normalizeBaseURL(*patch.APIBaseURL)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		next.APIBaseURL = u
	}
	if patch.Temperature != nil {
		t := *patch.Temperature
		if t < models.MinTemperature || t > models.MaxTemperature {
			errs = multierror.Append(errs, fmt.Errorf("temperature %v is outside [%v, %v]",
				t, models.MinTemperature, models.MaxTemperature))
		}
		next.Temperature = t
	}
	if patch.MaxTokens != nil {
		n := *patch.MaxTokens
		if n < models.MinMaxTokens || n > models.MaxMaxTokens {
			errs = multierror.Append(errs, fmt.Errorf("max tokens %d is outside [%d, %d]",
				n, models.MinMaxTokens, models.MaxMaxTokens))
		}
		next.MaxTokens = n
	}
	if errs != nil {
		return s.settings, &models.Error{Kind: models.KindValidation, Message: "invalid settings", Cause: errs}
	}

	prev := s.settings
	s.settings = next
	if next != prev {
		s.markDirty()
	}
	if next.APIBaseURL != prev.APIBaseURL {
		// Only the newest URL matters to the watcher.
		select {
		case <-s.baseURLs:
		default:
		}
		s.baseURLs <- next.APIBaseURL
	}
	return next, nil
}

// BaseURLChanges delivers the new API base URL after each change. Intermediate values are dropped
// when the consumer falls behind; the channel has a single consumer.
func (s *Store) BaseURLChanges() <-chan string {
	return s.baseURLs
}

// SavePersona stores a persona. Name and prompt must be non-empty. If a persona with the same name
// (ignoring case) exists, confirm decides whether it is overwritten; a nil confirm declines. The
// overwritten persona keeps its id.
func (s *Store) SavePersona(name, prompt string, confirm ConfirmFunc) (models.Persona, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(prompt) == "" {
		return models.Persona{}, models.ValidationError("persona name and prompt text are required")
	}

	// The confirmation may block on a user, so it runs without holding the lock. Only the persona the
	// user confirmed may be replaced.
	var confirmedID string
	if existing, ok := s.personaByName(name); ok {
		if confirm == nil || !confirm(existing) {
			return models.Persona{}, models.ErrOverwriteDeclined
		}
		confirmedID = existing.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := models.Persona{Name: name, Prompt: prompt}
	i := slices.IndexFunc(s.personas, func(o models.Persona) bool { return strings.EqualFold(o.Name, name) })
	if i >= 0 && s.personas[i].ID != confirmedID {
		return models.Persona{}, models.ErrOverwriteDeclined
	}
	if i >= 0 {
		p.ID = s.personas[i].ID
		s.personas = slices.Clone(s.personas)
		s.personas[i] = p
	} else {
		p.ID = uuid.NewString()
		s.personas = append(slices.Clip(s.personas), p)
	}
	s.markDirty()
	return p, nil
}

// DeletePersona removes a persona. If the active session's system prompt is exactly the deleted
// persona's prompt, that prompt is cleared too; other sessions keep their copies.
func (s *Store) DeletePersona(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.personas, func(p models.Persona) bool { return p.ID == id })
	if i < 0 {
		return models.ErrPersonaNotFound
	}
	deleted := s.personas[i]
	s.personas = slices.Delete(slices.Clone(s.personas), i, i+1)

	if a := s.indexOf(s.activeID); a >= 0 && s.sessions[a].CurrentSystemPrompt == deleted.Prompt {
		s.sessions[a].CurrentSystemPrompt = ""
	}
	s.markDirty()
	return nil
}

func (s *Store) personaByName(name string) (models.Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Find(s.personas, func(p models.Persona) bool { return strings.EqualFold(p.Name, name) })
}

func (s *Store) updateSession(id string, fn func(*models.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.ErrSessionNotFound
	}
	fn(&s.sessions[i])
	s.markDirty()
	return nil
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.sessions, func(sess models.Session) bool { return sess.ID == id })
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return raw, fmt.Errorf("api base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return raw, fmt.Errorf("api base url %q must be an absolute http(s) url", raw)
	}
	return raw, nil
}
