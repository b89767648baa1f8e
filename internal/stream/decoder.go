// Package stream decodes the line-oriented `data: <json>` framing used by OpenAI-compatible servers
// for streamed chat completions into a sequence of typed events.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"slices"
	"unicode/utf8"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// EventKind identifies the type of a decoded event.
type EventKind int

const (
	// StreamStart is emitted once, before any other event of a stream.
	StreamStart EventKind = iota + 1
	// Delta carries one fragment of generated text.
	Delta
	// StreamEnd is emitted exactly once, last. Err is set if the transport failed.
	StreamEnd
)

// Event is one decoded stream event.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	readSize     = 4096
)

// Decoder is a push-driven state machine. Raw chunks go in through Feed in transport order; Delta events
// come out. The decoder has no idea which conversation it serves, callers correlate out of band.
//
// Bytes are first run through a streaming UTF-8 decoder, which holds back a multi-byte sequence split
// across chunks until its tail arrives. Decoded text accumulates in buf; scan is the offset up to which
// buf is known to contain no newline, so a long line delivered in many small chunks is scanned once.
type Decoder struct {
	utf8    transform.Transformer
	pending []byte
	buf     []byte
	scan    int

	logger *slog.Logger
}

// NewDecoder creates a Decoder. Dropped frames are reported to logger at debug level.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{
		utf8:   unicode.UTF8.NewDecoder(),
		logger: logger.With(slog.String("module", "stream")),
	}
}

// Feed consumes one chunk of the raw byte stream and returns the Delta events completed by it.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.decode(chunk, false)
	return d.lines(nil)
}

// Close ends the stream. A nil err means the transport closed normally. The returned events always end
// with exactly one StreamEnd. An unterminated trailing fragment is discarded.
func (d *Decoder) Close(err error) []Event {
	d.decode(nil, true)
	events := d.lines(nil)
	if rest := bytes.TrimSpace(d.buf); len(rest) > 0 {
		d.logger.Debug("Discarding unterminated line", slog.String("line", string(rest)))
	}
	d.Reset()
	return append(events, Event{Kind: StreamEnd, Err: err})
}

// Reset discards all buffered state so the decoder can serve a new stream.
func (d *Decoder) Reset() {
	d.utf8.Reset()
	d.pending = d.pending[:0]
	d.buf = d.buf[:0]
	d.scan = 0
}

func (d *Decoder) decode(chunk []byte, atEOF bool) {
	d.pending = append(d.pending, chunk...)
	for len(d.pending) > 0 || atEOF {
		n := len(d.buf)
		// Invalid bytes expand to U+FFFD, so three bytes out per byte in is the worst case.
		d.buf = slices.Grow(d.buf, 3*len(d.pending)+utf8.UTFMax)
		nDst, nSrc, err := d.utf8.Transform(d.buf[n:cap(d.buf)], d.pending, atEOF)
		d.buf = d.buf[:n+nDst]
		d.pending = d.pending[:copy(d.pending, d.pending[nSrc:])]
		if !errors.Is(err, transform.ErrShortDst) {
			return
		}
	}
}

// lines processes every complete line in buf, appends resulting events to events, and compacts the
// buffer so only the trailing fragment remains.
func (d *Decoder) lines(events []Event) []Event {
	start := 0
	for {
		i := bytes.IndexByte(d.buf[d.scan:], '\n')
		if i < 0 {
			break
		}
		end := d.scan + i
		if ev, ok := d.line(d.buf[start:end]); ok {
			events = append(events, ev)
		}
		start = end + 1
		d.scan = start
	}
	if start > 0 {
		d.buf = d.buf[:copy(d.buf, d.buf[start:])]
	}
	d.scan = len(d.buf)
	return events
}

func (d *Decoder) line(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	payload, ok := bytes.CutPrefix(line, []byte(dataPrefix))
	if !ok {
		return Event{}, false
	}
	// The sentinel carries no information; completion is driven by transport close.
	if string(payload) == doneSentinel {
		return Event{}, false
	}

	var res goopenai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		d.logger.Debug("Dropping malformed stream line",
			slog.String("line", string(payload)),
			slog.String("err", err.Error()))
		return Event{}, false
	}
	if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
		return Event{}, false
	}
	return Event{Kind: Delta, Text: res.Choices[0].Delta.Content}, true
}

// Decode reads r to completion and yields StreamStart, the decoded Delta events, and a final StreamEnd.
// A read failure, including cancellation or expiry of ctx, ends the stream with the error attached.
// Breaking out of the loop early stops reading without emitting StreamEnd.
func Decode(ctx context.Context, r io.Reader, logger *slog.Logger) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !yield(Event{Kind: StreamStart}) {
			return
		}

		d := NewDecoder(logger)
		chunk := make([]byte, readSize)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				for _, ev := range d.Feed(chunk[:n]) {
					if !yield(ev) {
						return
					}
				}
			}
			if err == nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				} else {
					continue
				}
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			for _, ev := range d.Close(err) {
				if !yield(ev) {
					return
				}
			}
			return
		}
	}
}
