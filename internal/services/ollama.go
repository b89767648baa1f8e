package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/ollama/ollama/api"
	"github.com/samber/lo"
)

// Ollama lists models through Ollama's native API instead of its OpenAI-compatible /v1 surface. The
// native listing reports every pulled tag, including ones /v1/models leaves out on older servers.
// Chat requests still go through OpenAICompat.
type Ollama struct {
	client *http.Client

	logger *slog.Logger
}

// NewOllama creates an Ollama lister that sends requests through client.
func NewOllama(client *http.Client, logger *slog.Logger) Ollama {
	if client == nil {
		client = &http.Client{}
	}
	return Ollama{
		client: client,
		logger: logger.With(slog.String("module", "ollama")),
	}
}

// Models lists the models pulled on the Ollama server at baseURL. A trailing /v1 is stripped, so the
// same base URL works for both listing and chat.
func (o Ollama) Models(ctx context.Context, baseURL string) ([]models.Model, error) {
	host := strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1")
	u, err := url.Parse(host)
	if err != nil {
		return nil, models.ValidationError(fmt.Sprintf("invalid api base url %q", baseURL))
	}

	res, err := api.NewClient(u, o.client).List(ctx)
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) {
			msg := se.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("Failed to fetch models (%d %s)", se.StatusCode, http.StatusText(se.StatusCode))
			}
			return nil, models.ProtocolError(msg, nil)
		}
		return nil, models.TransportError("failed to fetch models", err)
	}

	o.logger.Debug("Listed models", slog.Int("count", len(res.Models)))

	return lo.Map(res.Models, func(m api.ListModelResponse, _ int) models.Model {
		return models.Model{ID: m.Name}
	}), nil
}
