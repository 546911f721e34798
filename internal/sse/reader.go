package sse

import (
	"bufio"
	"errors"
	"io"
	"log"
	"strings"

	"github.com/jorgeraad/leafai/internal/domain"
)

const maxFrameSize = 8 << 20

// Reader parses an event stream into frames.
type Reader struct {
	scanner *bufio.Scanner
	dropped int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{scanner: scanner}
}

// ReadFrame returns the next frame, or io.EOF when the input is exhausted.
func (r *Reader) ReadFrame() (Frame, error) {
	var frame Frame
	var data []string
	pending := false

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		// Empty line marks end of frame
		if line == "" {
			if pending {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if pending {
		frame.Data = strings.Join(data, "\n")
		return frame, nil
	}
	return Frame{}, io.EOF
}

// Next returns the next decodable event. Terminal frames end the stream with
// io.EOF; malformed frames are logged and skipped.
func (r *Reader) Next() (domain.Event, error) {
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return nil, err
		}
		ev, err := Decode(frame)
		if errors.Is(err, ErrDone) {
			return nil, io.EOF
		}
		if err != nil {
			r.dropped++
			log.Printf("WARN: dropping frame: %v", err)
			continue
		}
		return ev, nil
	}
}

// Dropped reports how many malformed frames Next has skipped.
func (r *Reader) Dropped() int {
	return r.dropped
}
