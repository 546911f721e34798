package sse

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeraad/leafai/internal/domain"
)

func TestEncodeFrame(t *testing.T) {
	frame, err := Encode(domain.TextDelta{Text: "line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"text-delta\",\"text\":\"line one\\nline two\"}\n\n", string(frame))
}

func TestDecodeInvertsEncode(t *testing.T) {
	events := []domain.Event{
		domain.TextDelta{Text: "Here are your files"},
		domain.NewToolCall("tc1", "list_drive_folder", json.RawMessage(`{"folder_id":"root"}`)),
		domain.NewToolResult("tc1", json.RawMessage(`[{"id":"f1","name":"Notes"}]`)),
		domain.ErrorEvent{Message: "boom"},
	}

	var stream strings.Builder
	for _, ev := range events {
		frame, err := Encode(ev)
		require.NoError(t, err)
		stream.Write(frame)
	}
	stream.Write(DoneSentinel)

	r := NewReader(strings.NewReader(stream.String()))
	var got []domain.Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, events, got)
}

func TestDecodeTerminalConventions(t *testing.T) {
	_, err := Decode(Frame{Data: "[DONE]"})
	assert.ErrorIs(t, err, ErrDone)

	_, err = Decode(Frame{Event: "done", Data: "{}"})
	assert.ErrorIs(t, err, ErrDone)
}

func TestReaderDropsMalformedFrames(t *testing.T) {
	input := ": keep-alive\n\n" +
		"data: not json\n\n" +
		"event: ping\ndata: {}\n\n" +
		"data: {\"type\":\"mystery\"}\n\n" +
		"data: {\"type\":\"text-delta\",\"text\":\"ok\"}\r\n\r\n" +
		"event: done\ndata: {}\n\n" +
		"data: {\"type\":\"text-delta\",\"text\":\"after done\"}\n\n"

	r := NewReader(strings.NewReader(input))
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.TextDelta{Text: "ok"}, ev)
	assert.Equal(t, 3, r.Dropped())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameJoinsMultilineData(t *testing.T) {
	r := NewReader(strings.NewReader("event: message\ndata: first\ndata: second"))
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "message", Data: "first\nsecond"}, frame)

	_, err = r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}
