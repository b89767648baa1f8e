package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/samber/lo"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAICompat talks to a server exposing the OpenAI-compatible HTTP API (LM Studio, Ollama's /v1,
// llama.cpp server). The base URL is passed per call, since it can change while the process runs.
type OpenAICompat struct {
	client *http.Client

	logger *slog.Logger
}

type apiErrorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// maxErrorBody bounds how much of a failed response is read when looking for an error message.
const maxErrorBody = 64 << 10

// NewOpenAICompat creates an OpenAICompat that sends requests through client. Timeouts are left to the
// caller's context so that a long stream isn't cut off by a client-wide deadline.
func NewOpenAICompat(client *http.Client, logger *slog.Logger) OpenAICompat {
	if client == nil {
		client = &http.Client{}
	}
	return OpenAICompat{
		client: client,
		logger: logger.With(slog.String("module", "openai")),
	}
}

// Models lists the models served at baseURL via GET {baseURL}/models.
func (o OpenAICompat) Models(ctx context.Context, baseURL string) ([]models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, "models"), nil)
	if err != nil {
		return nil, models.ValidationError(fmt.Sprintf("invalid api base url %q", baseURL))
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, models.TransportError("failed to fetch models", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fallback := fmt.Sprintf("Failed to fetch models (%d %s)", resp.StatusCode, statusText(resp))
		return nil, models.ProtocolError(errorMessage(resp.Body, fallback), nil)
	}

	var list goopenai.ModelsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, models.ProtocolError("malformed model list", err)
	}

	return lo.Map(list.Models, func(m goopenai.Model, _ int) models.Model {
		return models.Model{ID: m.ID}
	}), nil
}

// ChatStream opens a streaming chat completion via POST {baseURL}/chat/completions and returns the
// response body for the caller to decode. The caller must close it.
func (o OpenAICompat) ChatStream(ctx context.Context, baseURL string, request models.ChatRequest) (io.ReadCloser, error) {
	request.Stream = true
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(body)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, "chat/completions"),
		bytes.NewReader(body))
	if err != nil {
		return nil, models.ValidationError(fmt.Sprintf("invalid api base url %q", baseURL))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, models.TransportError("failed to reach the model server", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		fallback := fmt.Sprintf("API Error: %d %s", resp.StatusCode, statusText(resp))
		return nil, models.ProtocolError(errorMessage(resp.Body, fallback), nil)
	}

	return resp.Body, nil
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + path
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// errorMessage looks for a human-readable message in an error response body. It accepts
// {"error":{"message":...}}, {"error":"..."} and {"message":...}, in that order, and returns fallback
// when none is present.
func errorMessage(r io.Reader, fallback string) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return fallback
	}

	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return fallback
	}

	if len(body.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if err := json.Unmarshal(body.Error, &plain); err == nil && plain != "" {
			return plain
		}
	}
	if body.Message != "" {
		return body.Message
	}
	return fallback
}
