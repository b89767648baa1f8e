package services_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/MegaGrindStone/lm-chat/internal/services"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestOpenAICompatModels(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     []models.Model
		wantKind models.ErrorKind
		wantMsg  string
	}{
		{
			name:   "ok",
			status: http.StatusOK,
			body:   `{"object":"list","data":[{"id":"a","object":"model"},{"id":"b","object":"model"}]}`,
			want:   []models.Model{{ID: "a"}, {ID: "b"}},
		},
		{
			name:   "empty",
			status: http.StatusOK,
			body:   `{"data":[]}`,
			want:   []models.Model{},
		},
		{
			name:     "nested error message",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"bad key","type":"auth"}}`,
			wantKind: models.KindProtocol,
			wantMsg:  "bad key",
		},
		{
			name:     "plain error string",
			status:   http.StatusNotFound,
			body:     `{"error":"Unexpected endpoint or method."}`,
			wantKind: models.KindProtocol,
			wantMsg:  "Unexpected endpoint or method.",
		},
		{
			name:     "top level message",
			status:   http.StatusBadRequest,
			body:     `{"message":"no models loaded"}`,
			wantKind: models.KindProtocol,
			wantMsg:  "no models loaded",
		},
		{
			name:     "no usable body",
			status:   http.StatusServiceUnavailable,
			body:     `<html>busy</html>`,
			wantKind: models.KindProtocol,
			wantMsg:  "Failed to fetch models (503 Service Unavailable)",
		},
		{
			name:     "malformed list",
			status:   http.StatusOK,
			body:     `{"data":`,
			wantKind: models.KindProtocol,
			wantMsg:  "malformed model list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/models", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			oc := services.NewOpenAICompat(srv.Client(), discard)
			got, err := oc.Models(context.Background(), srv.URL+"/v1/")

			if tt.wantKind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, models.KindOf(err))
				var e *models.Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, tt.wantMsg, e.Message)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenAICompatModelsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := services.NewOpenAICompat(nil, discard).Models(context.Background(), url)

	assert.Equal(t, models.KindTransport, models.KindOf(err))
}

func TestOpenAICompatChatStream(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n")
	}))
	defer srv.Close()

	oc := services.NewOpenAICompat(srv.Client(), discard)
	body, err := oc.ChatStream(context.Background(), srv.URL+"/v1", models.ChatRequest{
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: "be brief"},
			{Role: goopenai.ChatMessageRoleUser, Content: "hello"},
		},
		Model:       "m1",
		Temperature: 0,
		MaxTokens:   64,
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n", string(raw))

	assert.Equal(t, "m1", got["model"])
	assert.Equal(t, true, got["stream"])
	assert.Equal(t, float64(64), got["max_tokens"])
	assert.Contains(t, got, "temperature")
	assert.Equal(t, float64(0), got["temperature"])
	assert.Equal(t, []any{
		map[string]any{"role": "system", "content": "be brief"},
		map[string]any{"role": "user", "content": "hello"},
	}, got["messages"])
}

func TestOpenAICompatChatStreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:    "error object",
			status:  http.StatusBadRequest,
			body:    `{"error":{"message":"model not loaded"}}`,
			wantMsg: "model not loaded",
		},
		{
			name:    "synthesized",
			status:  http.StatusInternalServerError,
			body:    ``,
			wantMsg: "API Error: 500 Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := services.NewOpenAICompat(srv.Client(), discard).
				ChatStream(context.Background(), srv.URL, models.ChatRequest{Model: "m1"})

			var e *models.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, models.KindProtocol, e.Kind)
			assert.Equal(t, tt.wantMsg, e.Message)
		})
	}
}
