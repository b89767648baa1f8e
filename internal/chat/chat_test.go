package chat_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/chat"
	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/MegaGrindStone/lm-chat/internal/store"
	"github.com/stretchr/testify/require"
)

type mockUpstream struct {
	mu   sync.Mutex
	reqs []models.ChatRequest
	urls []string

	open func(ctx context.Context) (io.ReadCloser, error)
}

type mockLister struct {
	mu    sync.Mutex
	calls int

	models func(ctx context.Context, baseURL string) ([]models.Model, error)
}

// failingReader returns data once, then err.
type failingReader struct {
	data string
	err  error
	done bool
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func (m *mockUpstream) ChatStream(ctx context.Context, baseURL string, req models.ChatRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.urls = append(m.urls, baseURL)
	m.mu.Unlock()
	return m.open(ctx)
}

func (m *mockUpstream) requests() []models.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatRequest(nil), m.reqs...)
}

func (m *mockLister) Models(ctx context.Context, baseURL string) ([]models.Model, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.models(ctx, baseURL)
}

func (m *mockLister) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.done {
		return 0, f.err
	}
	f.done = true
	return copy(p, f.data), nil
}

func streamOf(lines ...string) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(lines, ""))), nil
	}
}

// blockingStream returns a body that writes the given lines and then stays open until the request
// context ends.
func blockingStream(lines ...string) func(context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			for _, l := range lines {
				if _, err := io.WriteString(pw, l); err != nil {
					return
				}
			}
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}
}

func staticModels(ids ...string) func(context.Context, string) ([]models.Model, error) {
	return func(context.Context, string) ([]models.Model, error) {
		list := make([]models.Model, len(ids))
		for i, id := range ids {
			list[i] = models.Model{ID: id}
		}
		return list, nil
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(store.NewMemoryKV(nil), discard)
}

// collect reads events until one of type last arrives.
func collect(t *testing.T, events <-chan chat.Event, last chat.EventType) []chat.Event {
	t.Helper()
	var got []chat.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Type == last {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %+v", last, got)
			return nil
		}
	}
}

func eventTypes(events []chat.Event) []chat.EventType {
	types := make([]chat.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func waitIdle(t *testing.T, o *chat.Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return !o.Busy() }, 2*time.Second, time.Millisecond)
}
