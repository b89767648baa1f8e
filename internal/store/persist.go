package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/google/uuid"
)

// KV is the durable key-value collaborator. Values are opaque JSON documents and writes are
// last-write-wins with no transactional guarantees across calls.
type KV interface {
	// Get returns the values of the requested keys that exist. Missing keys are simply absent.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes every given key.
	Set(ctx context.Context, values map[string][]byte) error
}

// Keys of the persisted mirror.
const (
	KeySessions       = "sessions"
	KeyActiveSession  = "activeSessionId"
	KeyGlobalSettings = "globalApiSettings"
	KeyPersonas       = "savedPersonas"

	// Keys written by the single-session layout that predates multiple sessions.
	KeyLegacySettings = "apiSettings"
	KeyLegacyModel    = "selectedModel"
	KeyLegacyMessages = "chatMessages"
)

type legacySettings struct {
	APIURL              string   `json:"apiUrl"`
	Temperature         *float64 `json:"temperature"`
	MaxTokens           *int     `json:"maxTokens"`
	CurrentSystemPrompt string   `json:"currentSystemPrompt"`
}

type legacyMessage struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Text    string `json:"text"`
	IsError bool   `json:"isError"`
}

// Load replaces the in-memory state with the persisted mirror. It reads the store once at startup.
//
// When no sessions were persisted, a default session is created. If the old single-session keys are
// present, their settings, chat log and model are folded into the new layout. The old keys are left in
// place; once the new keys are flushed they take precedence, so the migration happens once.
func (s *Store) Load(ctx context.Context) error {
	vals, err := s.kv.Get(ctx,
		KeySessions, KeyActiveSession, KeyGlobalSettings, KeyPersonas,
		KeyLegacySettings, KeyLegacyModel, KeyLegacyMessages,
	)
	if err != nil {
		return fmt.Errorf("failed to read persisted state: %w", err)
	}

	var (
		sessions []models.Session
		activeID string
		personas []models.Persona
		legacy   legacySettings
		changed  bool
	)
	settings := s.Settings()

	decode := func(key string, v any) error {
		raw, ok := vals[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return nil
	}
	if err := decode(KeySessions, &sessions); err != nil {
		return err
	}
	if err := decode(KeyActiveSession, &activeID); err != nil {
		return err
	}
	if err := decode(KeyPersonas, &personas); err != nil {
		return err
	}
	if err := decode(KeyLegacySettings, &legacy); err != nil {
		return err
	}

	if _, ok := vals[KeyGlobalSettings]; ok {
		if err := decode(KeyGlobalSettings, &settings); err != nil {
			return err
		}
	} else if _, ok := vals[KeyLegacySettings]; ok {
		s.logger.Info("Migrating legacy api settings")
		if legacy.APIURL != "" {
			settings.APIBaseURL = legacy.APIURL
		}
		if legacy.Temperature != nil {
			settings.Temperature = *legacy.Temperature
		}
		if legacy.MaxTokens != nil {
			settings.MaxTokens = *legacy.MaxTokens
		}
		changed = true
	}

	if len(sessions) == 0 {
		sess := newSession(1, "", legacy.CurrentSystemPrompt)
		var old []legacyMessage
		if err := decode(KeyLegacyMessages, &old); err != nil {
			return err
		}
		if len(old) > 0 {
			s.logger.Info("Migrating legacy chat log", slog.Int("messages", len(old)))
		}
		for _, m := range old {
			sess.Messages = append(sess.Messages, migrateMessage(m))
		}
		sessions = []models.Session{sess}
		activeID = sess.ID
		changed = true
	}

	for i := range sessions {
		if sessions[i].Messages == nil {
			sessions[i].Messages = []models.Message{}
		}
		// A message still marked streaming lost its stream when the process stopped.
		for j := range sessions[i].Messages {
			if sessions[i].Messages[j].IsStreaming {
				sessions[i].Messages[j].IsStreaming = false
				changed = true
			}
		}
	}

	active := slices.IndexFunc(sessions, func(sess models.Session) bool { return sess.ID == activeID })
	if active < 0 {
		active = 0
		activeID = sessions[0].ID
		changed = true
	}

	var legacyModel string
	if err := decode(KeyLegacyModel, &legacyModel); err != nil {
		return err
	}
	if legacyModel != "" && sessions[active].SelectedModel == "" {
		sessions[active].SelectedModel = legacyModel
		changed = true
	}

	s.mu.Lock()
	s.sessions = sessions
	s.activeID = activeID
	s.settings = settings
	s.personas = personas
	if changed {
		s.markDirty()
	}
	s.mu.Unlock()

	s.logger.Info("Loaded persisted state",
		slog.Int("sessions", len(sessions)),
		slog.Int("personas", len(personas)),
		slog.Bool("migrated", changed))
	return nil
}

func migrateMessage(m legacyMessage) models.Message {
	msg := models.Message{
		ID:      m.ID,
		Text:    m.Text,
		IsError: m.IsError,
		Sender:  models.SenderSystem,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	var sender models.Sender
	if err := sender.UnmarshalText([]byte(m.Sender)); err == nil {
		msg.Sender = sender
	}
	return msg
}

// Flush writes the full current state to the backend. Flushes are serialized, and each takes its
// snapshot after any previous flush finished, so an older snapshot never overwrites a newer one.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	values := make(map[string][]byte, 4)
	var err error
	for key, v := range map[string]any{
		KeySessions:       s.sessions,
		KeyActiveSession:  s.activeID,
		KeyGlobalSettings: s.settings,
		KeyPersonas:       s.personas,
	} {
		if values[key], err = json.Marshal(v); err != nil {
			break
		}
	}
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.kv.Set(ctx, values); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Name identifies the flusher in a service group.
func (s *Store) Name() string { return "store" }

// Run flushes the store in the background until ctx is cancelled, then flushes one last time. A flush
// happens once writes have been quiet for the debounce window, or after the max delay if they never
// are.
func (s *Store) Run(ctx context.Context) error {
	var debounce, deadline <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Flush(fctx)
		case <-s.dirty:
			debounce = time.After(s.debounce)
			if deadline == nil {
				deadline = time.After(s.maxDelay)
			}
			continue
		case <-debounce:
		case <-deadline:
		}

		debounce, deadline = nil, nil
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("Failed to flush state", slog.String("err", err.Error()))
		}
	}
}

// markDirty must be called with s.mu held.
func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}
