// Package sse frames run events as text event-stream units and forwards
// run streams to HTTP clients.
package sse

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jorgeraad/leafai/internal/domain"
)

var (
	// ErrDone is returned by Decode for either terminal frame convention.
	ErrDone = errors.New("sse: stream done")
	// ErrMalformedFrame is returned for frames that carry no decodable event.
	ErrMalformedFrame = errors.New("sse: malformed frame")
)

const doneData = "[DONE]"

var (
	// DoneSentinel terminates the stream returned by the start endpoint.
	DoneSentinel = []byte("data: [DONE]\n\n")
	// DoneEvent terminates the stream returned by the reconnect endpoint.
	DoneEvent = []byte("event: done\ndata: {}\n\n")
)

// Frame is one blank-line delimited event-stream unit.
type Frame struct {
	Event string
	Data  string
}

// Encode renders ev as a single "data: <json>" frame. Encoded JSON never
// contains a raw newline, so one data line is always enough.
func Encode(ev domain.Event) ([]byte, error) {
	payload, err := domain.MarshalEvent(ev)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Decode turns a frame back into an Event.
func Decode(f Frame) (domain.Event, error) {
	if f.Event == "done" || f.Data == doneData {
		return nil, ErrDone
	}
	if f.Event != "" && f.Event != "message" {
		return nil, fmt.Errorf("%w: unexpected event field %q", ErrMalformedFrame, f.Event)
	}
	if f.Data == "" {
		return nil, fmt.Errorf("%w: empty data", ErrMalformedFrame)
	}
	ev, err := domain.UnmarshalEvent([]byte(f.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}
