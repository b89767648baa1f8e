// Package chat drives conversations against the model server. The Orchestrator sends one message at a
// time and streams the reply into the store, the Registry keeps the list of served models, and both
// report what they do as Events on a Bus.
package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/models"
)

// EventType names a bus event.
type EventType string

// CommandType names a command accepted by Orchestrator.Serve.
type CommandType string

// Event is a notification published on the Bus. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Chunk     string         `json:"chunk,omitempty"`
	Models    []models.Model `json:"models,omitempty"`
	// Error is the failure message. On EventStreamEnd a non-empty Error means the stream ended badly.
	Error string `json:"error,omitempty"`
}

// Command is a request to the orchestrator. Reply, if set, receives exactly one value: nil once the
// command is accepted, or the reason it was rejected.
type Command struct {
	Type      CommandType
	SessionID string
	Prompt    string
	Reply     chan<- error
}

// Bus fans events out to subscribers. A subscriber whose buffer is full misses stream starts, chunks
// and model list events. Stream ends and chat errors wait up to terminalSendTimeout for room, so a
// slow subscriber still learns that a reply finished.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}

	logger *slog.Logger
}

const (
	EventModelsList  EventType = "MODELS_LIST"
	EventModelsError EventType = "MODELS_ERROR"
	EventStreamStart EventType = "CHAT_STREAM_START"
	EventStreamChunk EventType = "CHAT_STREAM_CHUNK"
	EventStreamEnd   EventType = "CHAT_STREAM_END"
	EventChatError   EventType = "CHAT_ERROR"

	CommandGetModels CommandType = "GET_MODELS"
	CommandSend      CommandType = "SEND_CHAT_MESSAGE"
)

const terminalSendTimeout = time.Second

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger.With(slog.String("module", "bus")),
	}
}

// Subscribe registers a subscriber with the given buffer size. Events arrive in publish order. The
// returned function unsubscribes and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	terminal := ev.Type == EventStreamEnd || ev.Type == EventChatError
	for ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if terminal && sendWithin(ch, ev, terminalSendTimeout) {
			continue
		}
		b.logger.Warn("Subscriber is full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("sessionID", ev.SessionID))
	}
}

func sendWithin(ch chan<- Event, ev Event, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}
