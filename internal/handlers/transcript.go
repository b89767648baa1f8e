package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/lm-chat/internal/models"
)

type transcriptMessage struct {
	Sender      models.Sender
	Content     template.HTML
	IsError     bool
	IsStreaming bool
}

type transcriptData struct {
	Name     string
	Model    string
	Prompt   string
	Messages []transcriptMessage
}

// HandleTranscript renders a session as a standalone HTML page, with message text converted from
// markdown and code blocks highlighted.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.store.Session(r.PathValue("id"))
	if !ok {
		m.writeError(w, models.ErrSessionNotFound)
		return
	}

	data := transcriptData{
		Name:     sess.Name,
		Model:    sess.SelectedModel,
		Prompt:   sess.CurrentSystemPrompt,
		Messages: make([]transcriptMessage, len(sess.Messages)),
	}
	for i, msg := range sess.Messages {
		content, err := m.renderMarkdown(msg.Text)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Messages[i] = transcriptMessage{
			Sender:      msg.Sender,
			Content:     content,
			IsError:     msg.IsError,
			IsStreaming: msg.IsStreaming,
		}
	}

	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "transcript.html", data); err != nil {
		m.logger.Error("Failed to execute transcript template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// renderMarkdown converts text to HTML. Raw HTML in the source is escaped by goldmark's default
// renderer, so the result is safe to embed.
func (m Main) renderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	//nolint:gosec // goldmark escapes raw HTML unless html.WithUnsafe is set.
	return template.HTML(buf.String()), nil
}
