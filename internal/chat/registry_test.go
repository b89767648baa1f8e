package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/chat"
	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRefreshReconciles(t *testing.T) {
	tests := []struct {
		name      string
		selected  string
		list      []string
		wantModel string
	}{
		{name: "unknown selection", selected: "c", list: []string{"a", "b"}, wantModel: "a"},
		{name: "empty selection", selected: "", list: []string{"a", "b"}, wantModel: "a"},
		{name: "known selection kept", selected: "b", list: []string{"a", "b"}, wantModel: "b"},
		{name: "empty list clears", selected: "b", list: nil, wantModel: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			require.NoError(t, st.SetSessionModel(st.ActiveID(), tt.selected))
			bus := chat.NewBus(discard)
			events, unsubscribe := bus.Subscribe(8)
			defer unsubscribe()

			r := chat.NewRegistry(&mockLister{models: staticModels(tt.list...)}, st, bus, discard)
			got, err := r.Refresh(context.Background(), "http://x")

			require.NoError(t, err)
			assert.Len(t, got, len(tt.list))
			assert.Equal(t, tt.wantModel, st.Active().SelectedModel)
			assert.Equal(t, len(tt.list) > 0, r.Known())

			ev := <-events
			assert.Equal(t, chat.EventModelsList, ev.Type)
			assert.Len(t, ev.Models, len(tt.list))
		})
	}
}

func TestRegistryRefreshOnlyTouchesActiveSession(t *testing.T) {
	st := newStore(t)
	inactive := st.ActiveID()
	require.NoError(t, st.SetSessionModel(inactive, "c"))
	st.CreateSession("c", "")

	r := chat.NewRegistry(&mockLister{models: staticModels("a")}, st, chat.NewBus(discard), discard)
	_, err := r.Refresh(context.Background(), "http://x")
	require.NoError(t, err)

	assert.Equal(t, "a", st.Active().SelectedModel)
	sess, _ := st.Session(inactive)
	assert.Equal(t, "c", sess.SelectedModel)
}

func TestRegistryRefreshFailure(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.SetSessionModel(st.ActiveID(), "b"))
	bus := chat.NewBus(discard)
	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	lister := &mockLister{models: staticModels("a", "b")}
	r := chat.NewRegistry(lister, st, bus, discard)
	_, err := r.Refresh(context.Background(), "http://x")
	require.NoError(t, err)
	<-events

	lister.models = func(context.Context, string) ([]models.Model, error) {
		return nil, models.ProtocolError("Failed to fetch models (500 Internal Server Error)", nil)
	}
	_, err = r.Refresh(context.Background(), "http://x")
	require.Error(t, err)

	list, msg := r.Models()
	assert.Empty(t, list)
	assert.Equal(t, "Failed to fetch models (500 Internal Server Error)", msg)
	assert.Equal(t, "b", st.Active().SelectedModel)

	ev := <-events
	assert.Equal(t, chat.EventModelsError, ev.Type)
	assert.Equal(t, msg, ev.Error)
}

func TestRegistryDiscardsSupersededRefresh(t *testing.T) {
	st := newStore(t)
	release := make(chan struct{})
	lister := &mockLister{models: func(ctx context.Context, _ string) ([]models.Model, error) {
		<-release
		return []models.Model{{ID: "old"}}, nil
	}}
	r := chat.NewRegistry(lister, st, chat.NewBus(discard), discard)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Refresh(context.Background(), "http://old")
	}()
	require.Eventually(t, func() bool { return lister.count() == 1 }, time.Second, time.Millisecond)

	r.Invalidate()
	close(release)
	<-done

	list, msg := r.Models()
	assert.Empty(t, list)
	assert.Empty(t, msg)
	assert.Empty(t, st.Active().SelectedModel)
}

func TestRegistryRunFollowsBaseURL(t *testing.T) {
	st := newStore(t)
	seen := make(chan string, 4)
	lister := &mockLister{models: func(_ context.Context, baseURL string) ([]models.Model, error) {
		seen <- baseURL
		if baseURL == "http://down:1234/v1" {
			return nil, errors.New("unreachable")
		}
		return []models.Model{{ID: "a"}}, nil
	}}
	r := chat.NewRegistry(lister, st, chat.NewBus(discard), discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Equal(t, "http://127.0.0.1:1234/v1", <-seen)
	require.Eventually(t, r.Known, time.Second, time.Millisecond)

	next := "http://down:1234/v1"
	_, err := st.SetGlobalSettings(models.SettingsPatch{APIBaseURL: &next})
	require.NoError(t, err)
	assert.Equal(t, next, <-seen)
	require.Eventually(t, func() bool {
		_, msg := r.Models()
		return msg == "unreachable"
	}, time.Second, time.Millisecond)
	assert.False(t, r.Known())

	cancel()
	require.NoError(t, <-done)
}
