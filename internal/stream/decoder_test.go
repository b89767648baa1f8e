package stream_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/MegaGrindStone/lm-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const sample = "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"Hé\"}}]}\n" +
	"\n" +
	": keep-alive\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"llo, \"}}]}\r\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"wörld 🌍\"}}]}\n" +
	"data: {\"choices\":[]}\n" +
	"data: [DONE]\n"

func deltas(events []stream.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == stream.Delta {
			out = append(out, ev.Text)
		}
	}
	return out
}

func feedAll(d *stream.Decoder, chunks [][]byte) []stream.Event {
	var events []stream.Event
	for _, c := range chunks {
		events = append(events, d.Feed(c)...)
	}
	return append(events, d.Close(nil)...)
}

func split(b []byte, size int) [][]byte {
	var chunks [][]byte
	for len(b) > size {
		chunks = append(chunks, b[:size])
		b = b[size:]
	}
	return append(chunks, b)
}

func TestDecoderSingleChunk(t *testing.T) {
	d := stream.NewDecoder(discard)
	events := feedAll(d, [][]byte{[]byte(sample)})

	assert.Equal(t, []string{"Hé", "llo, ", "wörld 🌍"}, deltas(events))

	last := events[len(events)-1]
	assert.Equal(t, stream.StreamEnd, last.Kind)
	assert.NoError(t, last.Err)
}

func TestDecoderChunkBoundaryIndependence(t *testing.T) {
	want := deltas(feedAll(stream.NewDecoder(discard), [][]byte{[]byte(sample)}))

	// Every chunk size splits lines, JSON payloads and multi-byte runes at some point.
	for size := 1; size <= len(sample); size++ {
		d := stream.NewDecoder(discard)
		got := deltas(feedAll(d, split([]byte(sample), size)))
		require.Equal(t, strings.Join(want, ""), strings.Join(got, ""), "chunk size %d", size)
		require.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestDecoderSkipsMalformedLines(t *testing.T) {
	clean := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n"
	dirty := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: {not json\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n"

	want := deltas(feedAll(stream.NewDecoder(discard), [][]byte{[]byte(clean)}))
	got := deltas(feedAll(stream.NewDecoder(discard), [][]byte{[]byte(dirty)}))

	assert.Equal(t, want, got)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestDecoderDiscardsUnterminatedTail(t *testing.T) {
	d := stream.NewDecoder(discard)
	events := feedAll(d, [][]byte{[]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}")})

	assert.Empty(t, deltas(events))
	require.Len(t, events, 1)
	assert.Equal(t, stream.StreamEnd, events[0].Kind)
}

func TestDecoderInvalidUTF8(t *testing.T) {
	d := stream.NewDecoder(discard)
	raw := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\xffb\"}}]}\n")
	got := deltas(feedAll(d, [][]byte{raw}))

	assert.Equal(t, []string{"a�b"}, got)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		reader     io.Reader
		wantDeltas []string
		wantErr    bool
	}{
		{
			name:       "clean close",
			reader:     iotest.OneByteReader(strings.NewReader(sample)),
			wantDeltas: []string{"Hé", "llo, ", "wörld 🌍"},
		},
		{
			name: "read failure mid-stream",
			reader: io.MultiReader(
				strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"),
				iotest.ErrReader(errors.New("connection reset")),
			),
			wantDeltas: []string{"partial"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []stream.Event
			for ev := range stream.Decode(context.Background(), tt.reader, discard) {
				events = append(events, ev)
			}

			require.NotEmpty(t, events)
			assert.Equal(t, stream.StreamStart, events[0].Kind)
			assert.Equal(t, tt.wantDeltas, deltas(events))

			last := events[len(events)-1]
			assert.Equal(t, stream.StreamEnd, last.Kind)
			if tt.wantErr {
				assert.Error(t, last.Err)
			} else {
				assert.NoError(t, last.Err)
			}
		})
	}
}

func TestDecodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var last stream.Event
	for ev := range stream.Decode(ctx, strings.NewReader(sample), discard) {
		last = ev
	}

	assert.Equal(t, stream.StreamEnd, last.Kind)
	assert.ErrorIs(t, last.Err, context.Canceled)
}
