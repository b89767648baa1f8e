package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/MegaGrindStone/lm-chat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV(nil)

	s := store.New(kv, discard)
	first := s.ActiveID()
	_, err := s.AppendMessage(first, models.Message{Sender: models.SenderUser, Text: "hello"})
	require.NoError(t, err)
	second := s.CreateSession("m1", "prompt")
	_, err = s.SavePersona("pirate", "Arr.", nil)
	require.NoError(t, err)
	temp := 0.2
	_, err = s.SetGlobalSettings(models.SettingsPatch{Temperature: &temp})
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	loaded := store.New(kv, discard)
	require.NoError(t, loaded.Load(ctx))

	assert.Equal(t, s.Sessions(), loaded.Sessions())
	assert.Equal(t, second.ID, loaded.ActiveID())
	assert.Equal(t, s.Personas(), loaded.Personas())
	assert.Equal(t, 0.2, loaded.Settings().Temperature)
}

func TestLoadEmptyCreatesDefaultSession(t *testing.T) {
	s := store.New(store.NewMemoryKV(nil), discard)
	require.NoError(t, s.Load(context.Background()))

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Chat 1", sessions[0].Name)
	assert.Equal(t, sessions[0].ID, s.ActiveID())
}

func TestLoadMigratesLegacyLayout(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV(map[string][]byte{
		store.KeyLegacySettings: mustJSON(t, map[string]any{
			"apiUrl":              "http://10.0.0.2:1234/v1",
			"temperature":         0.3,
			"maxTokens":           2048,
			"currentSystemPrompt": "You are terse.",
		}),
		store.KeyLegacyModel: mustJSON(t, "mistral-7b"),
		store.KeyLegacyMessages: mustJSON(t, []map[string]any{
			{"sender": "You", "text": "hi"},
			{"sender": "AI", "text": "hello"},
			{"sender": "System", "text": "Error: boom", "isError": true},
		}),
	})

	s := store.New(kv, discard)
	require.NoError(t, s.Load(ctx))

	settings := s.Settings()
	assert.Equal(t, "http://10.0.0.2:1234/v1", settings.APIBaseURL)
	assert.Equal(t, 0.3, settings.Temperature)
	assert.Equal(t, 2048, settings.MaxTokens)

	active := s.Active()
	assert.Equal(t, "mistral-7b", active.SelectedModel)
	assert.Equal(t, "You are terse.", active.CurrentSystemPrompt)
	require.Len(t, active.Messages, 3)
	assert.Equal(t, models.SenderUser, active.Messages[0].Sender)
	assert.Equal(t, models.SenderAssistant, active.Messages[1].Sender)
	assert.Equal(t, models.SenderSystem, active.Messages[2].Sender)
	assert.True(t, active.Messages[2].IsError)
	for _, m := range active.Messages {
		assert.NotEmpty(t, m.ID)
	}

	require.NoError(t, s.Flush(ctx))

	// Legacy keys survive, and a second load uses the new layout without migrating again.
	vals, err := kv.Get(ctx, store.KeyLegacyMessages, store.KeySessions)
	require.NoError(t, err)
	assert.Contains(t, vals, store.KeyLegacyMessages)
	assert.Contains(t, vals, store.KeySessions)

	again := store.New(kv, discard)
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, s.Sessions(), again.Sessions())
}

func TestLoadClosesInterruptedStreams(t *testing.T) {
	sess := models.Session{
		ID:   "s1",
		Name: "Chat 1",
		Messages: []models.Message{
			{ID: "m1", Sender: models.SenderAssistant, Text: "half an ans", IsStreaming: true},
		},
	}
	kv := store.NewMemoryKV(map[string][]byte{
		store.KeySessions:      mustJSON(t, []models.Session{sess}),
		store.KeyActiveSession: mustJSON(t, "gone"),
	})

	s := store.New(kv, discard)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, "s1", s.ActiveID())
	msg := s.Active().Messages[0]
	assert.False(t, msg.IsStreaming)
	assert.Equal(t, "half an ans", msg.Text)
}

func TestLoadRejectsCorruptState(t *testing.T) {
	kv := store.NewMemoryKV(map[string][]byte{
		store.KeySessions: []byte("{"),
	})

	err := store.New(kv, discard).Load(context.Background())
	assert.Error(t, err)
}

func TestRunDebouncesFlushes(t *testing.T) {
	kv := store.NewMemoryKV(nil)
	s := store.New(kv, discard, store.WithFlushDelay(20*time.Millisecond, time.Second))
	id := s.ActiveID()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for range 10 {
		_, err := s.AppendMessage(id, models.Message{Sender: models.SenderUser, Text: "x"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return kv.Writes() == 1 }, time.Second, 5*time.Millisecond)
	// The mutations were visible immediately; the mirror caught up in one write.
	assert.Len(t, s.Active().Messages, 10)

	require.NoError(t, s.RenameSession(id, "renamed"))
	cancel()
	require.NoError(t, <-done)

	loaded := store.New(kv, discard)
	require.NoError(t, loaded.Load(context.Background()))
	assert.Equal(t, "renamed", loaded.Active().Name)
}
