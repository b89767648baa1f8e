package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/MegaGrindStone/lm-chat/internal/store"
	"github.com/MegaGrindStone/lm-chat/internal/stream"
	"github.com/google/uuid"
	"github.com/samber/lo"
	goopenai "github.com/sashabaranov/go-openai"
)

// Upstream opens streaming chat completions on the model server.
type Upstream interface {
	ChatStream(ctx context.Context, baseURL string, req models.ChatRequest) (io.ReadCloser, error)
}

// Orchestrator sends user messages to the model server and streams the replies into the store. At most
// one request is in flight at a time; a send while another is running is rejected with models.ErrBusy.
type Orchestrator struct {
	store    *store.Store
	upstream Upstream
	registry *Registry
	bus      *Bus

	timeout time.Duration
	cmds    chan Command

	busy   atomic.Bool
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

const (
	errLoggerKey = "err"

	// historySize is how many trailing chat log entries are sent upstream, the new user message included.
	historySize = 11

	defaultRequestTimeout = 5 * time.Minute
)

var errCancelled = errors.New("request cancelled")

// WithRequestTimeout bounds how long one request, including its whole stream, may take.
func WithRequestTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewOrchestrator creates an Orchestrator. The registry is consulted to tell a missing model selection
// apart from a server that serves no models.
func NewOrchestrator(
	st *store.Store,
	upstream Upstream,
	registry *Registry,
	bus *Bus,
	logger *slog.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		upstream: upstream,
		registry: registry,
		bus:      bus,
		timeout:  defaultRequestTimeout,
		cmds:     make(chan Command),
		logger:   logger.With(slog.String("module", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Busy reports whether a request is in flight.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// Send appends text as a user message to the session and starts streaming the reply in the background.
// It returns once the request is underway.
//
// Empty text and a missing model selection are rejected before anything is sent: the rejection is
// written into the session's chat log and also returned. Failures after that point only show up in the
// chat log and on the bus.
func (o *Orchestrator) Send(ctx context.Context, sessionID, text string) error {
	sess, ok := o.store.Session(sessionID)
	if !ok {
		return models.ErrSessionNotFound
	}

	if strings.TrimSpace(text) == "" {
		return o.reject(sessionID, models.ValidationError("Message cannot be empty."))
	}
	if sess.SelectedModel == "" {
		if o.registry.Known() {
			return o.reject(sessionID, models.ValidationError("Please select a model first."))
		}
		return o.reject(sessionID, models.ValidationError(
			"No model available. Make sure the model server is running and has a model loaded."))
	}

	if !o.busy.CompareAndSwap(false, true) {
		return models.ErrBusy
	}

	if _, err := o.store.AppendMessage(sessionID, models.Message{Sender: models.SenderUser, Text: text}); err != nil {
		o.busy.Store(false)
		return err
	}
	// The history is read after the append so the new message is always its last entry.
	sess, _ = o.store.Session(sessionID)
	settings := o.store.Settings()
	req := buildRequest(sess, settings)

	// The request outlives the caller's context, which is usually an HTTP request.
	rctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(cancel)

		tctx, stop := context.WithTimeout(rctx, o.timeout)
		defer stop()
		o.stream(tctx, sessionID, settings.APIBaseURL, req)
	}()

	return nil
}

// Cancel tears down the in-flight request, if any. Its reply keeps whatever text already arrived and
// ends with an error. It reports whether there was a request to cancel.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel(errCancelled)
	return true
}

func (o *Orchestrator) release(cancel context.CancelCauseFunc) {
	cancel(nil)
	o.mu.Lock()
	o.cancel = nil
	o.mu.Unlock()
	o.busy.Store(false)
}

func (o *Orchestrator) reject(sessionID string, err *models.Error) error {
	o.logger.Info("Rejected message", slog.String("sessionID", sessionID), slog.String("reason", err.Message))
	if _, aerr := o.store.AppendMessage(sessionID, models.Message{
		Sender:  models.SenderSystem,
		Text:    err.Message,
		IsError: true,
	}); aerr != nil {
		o.logger.Warn("Failed to record rejection", slog.String(errLoggerKey, aerr.Error()))
	}
	return err
}

func (o *Orchestrator) stream(ctx context.Context, sessionID, baseURL string, req models.ChatRequest) {
	body, err := o.upstream.ChatStream(ctx, baseURL, req)
	if err != nil {
		msg := failureMessage(ctx, err)
		o.logger.Error("Failed to open chat stream",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, msg))
		o.appendError(sessionID, msg)
		o.bus.Publish(Event{Type: EventChatError, SessionID: sessionID, Error: msg})
		return
	}
	defer body.Close()

	messageID := uuid.NewString()
	if _, err := o.store.AppendMessage(sessionID, models.Message{
		ID:          messageID,
		Sender:      models.SenderAssistant,
		IsStreaming: true,
	}); err != nil {
		// The session was deleted between the send and the stream opening.
		o.logger.Warn("Dropping reply", slog.String("sessionID", sessionID), slog.String(errLoggerKey, err.Error()))
		return
	}

	for ev := range stream.Decode(ctx, body, o.logger) {
		switch ev.Kind {
		case stream.StreamStart:
			o.bus.Publish(Event{Type: EventStreamStart, SessionID: sessionID, MessageID: messageID})
		case stream.Delta:
			o.store.UpdateMessage(sessionID, messageID, models.MessagePatch{AppendText: ev.Text})
			o.bus.Publish(Event{Type: EventStreamChunk, SessionID: sessionID, MessageID: messageID, Chunk: ev.Text})
		case stream.StreamEnd:
			if ev.Err == nil {
				o.store.UpdateMessage(sessionID, messageID, models.MessagePatch{EndStream: true})
				o.bus.Publish(Event{Type: EventStreamEnd, SessionID: sessionID, MessageID: messageID})
				o.logger.Debug("Stream ended", slog.String("sessionID", sessionID), slog.String("messageID", messageID))
				continue
			}

			msg := failureMessage(ctx, ev.Err)
			o.logger.Error("Chat stream failed",
				slog.String("sessionID", sessionID),
				slog.String("messageID", messageID),
				slog.String(errLoggerKey, msg))
			o.store.UpdateMessage(sessionID, messageID, models.MessagePatch{EndStream: true, MarkError: true})
			o.appendError(sessionID, msg)
			o.bus.Publish(Event{Type: EventStreamEnd, SessionID: sessionID, MessageID: messageID, Error: msg})
			o.bus.Publish(Event{Type: EventChatError, SessionID: sessionID, MessageID: messageID, Error: msg})
		}
	}
}

func (o *Orchestrator) appendError(sessionID, msg string) {
	if _, err := o.store.AppendMessage(sessionID, models.NewSystemError("", msg)); err != nil {
		o.logger.Warn("Failed to record error", slog.String(errLoggerKey, err.Error()))
	}
}

// failureMessage turns a request failure into the text shown in the chat log.
func failureMessage(ctx context.Context, err error) string {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCancelled):
		return "Request cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		return "Request timed out"
	}

	var e *models.Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return models.TransportError("stream interrupted", err).Error()
}

func buildRequest(sess models.Session, settings models.GlobalSettings) models.ChatRequest {
	var msgs []goopenai.ChatCompletionMessage
	if prompt := strings.TrimSpace(sess.CurrentSystemPrompt); prompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: prompt,
		})
	}

	history := lo.Filter(sess.Messages, func(m models.Message, _ int) bool {
		return m.Sender != models.SenderSystem && m.Text != ""
	})
	for _, m := range lo.Subset(history, -historySize, historySize) {
		role := goopenai.ChatMessageRoleUser
		if m.Sender == models.SenderAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	return models.ChatRequest{
		Messages:    msgs,
		Model:       sess.SelectedModel,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		Stream:      true,
	}
}

// Commands returns the channel served by Run.
func (o *Orchestrator) Commands() chan<- Command {
	return o.cmds
}

// Serve handles commands from cmds until ctx is cancelled or cmds is closed. GET_MODELS refreshes the
// registry in the background; SEND_CHAT_MESSAGE sends Prompt to SessionID, or to the active session if
// SessionID is empty.
func (o *Orchestrator) Serve(ctx context.Context, cmds <-chan Command) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			o.reply(ctx, cmd, o.handle(ctx, cmd))
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandGetModels:
		baseURL := o.store.Settings().APIBaseURL
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			_, _ = o.registry.Refresh(ctx, baseURL)
		}()
		return nil
	case CommandSend:
		sessionID := cmd.SessionID
		if sessionID == "" {
			sessionID = o.store.ActiveID()
		}
		return o.Send(ctx, sessionID, cmd.Prompt)
	default:
		return models.ValidationError(fmt.Sprintf("unknown command %q", cmd.Type))
	}
}

func (o *Orchestrator) reply(ctx context.Context, cmd Command, err error) {
	if cmd.Reply == nil {
		return
	}
	select {
	case cmd.Reply <- err:
	case <-ctx.Done():
	}
}

// Name identifies the orchestrator in a service group.
func (o *Orchestrator) Name() string { return "orchestrator" }

// Run serves Commands until ctx is cancelled, then cancels the in-flight request and waits for it to
// record its outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.Serve(ctx, o.cmds)
	o.Cancel()
	o.wg.Wait()
	return err
}
