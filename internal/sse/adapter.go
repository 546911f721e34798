package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/jorgeraad/leafai/internal/domain"
)

// User-facing messages synthesized by the adapter.
const (
	MsgGenerationFailed = "An error occurred while generating a response"
	MsgWorkflowFailed   = "Workflow failed"
	MsgStreamTerminated = "Stream terminated unexpectedly"
)

// Terminal selects the frame written after the last event.
type Terminal int

const (
	// TerminalSentinel writes "data: [DONE]".
	TerminalSentinel Terminal = iota
	// TerminalDoneEvent writes "event: done" with an empty object.
	TerminalDoneEvent
)

// Source yields run events in append order and io.EOF once the run is terminal.
type Source interface {
	Next(ctx context.Context) (domain.Event, error)
}

// FlushWriter is a writer whose buffered bytes can be pushed to the peer.
type FlushWriter interface {
	io.Writer
	Flush()
}

// Options configures Forward.
type Options struct {
	Terminal Terminal
	// Result resolves the terminal run outcome. It is consulted only when
	// the stream ended without an inline error event.
	Result func(ctx context.Context) (domain.RunResult, error)
	// OnEvent observes every forwarded event.
	OnEvent func(domain.Event)
}

// Forward copies src to w, one flushed frame per event, then writes the
// terminal frame. It returns ctx.Err() when the consumer went away; the
// producer is never affected.
func Forward(ctx context.Context, w FlushWriter, src Source, opts Options) error {
	sawError := false
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("WARN: stream read failed: %v", err)
			if werr := WriteError(w, MsgStreamTerminated); werr != nil {
				return werr
			}
			return fmt.Errorf("read stream: %w", err)
		}

		if _, ok := ev.(domain.ErrorEvent); ok {
			sawError = true
		}
		if err := writeEvent(w, ev); err != nil {
			return err
		}
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
	}

	if !sawError && opts.Result != nil {
		res, err := opts.Result(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("WARN: failed to resolve run result: %v", err)
			if werr := WriteError(w, MsgWorkflowFailed); werr != nil {
				return werr
			}
		case !res.Success:
			if werr := WriteError(w, MsgGenerationFailed); werr != nil {
				return werr
			}
		}
	}

	terminal := DoneSentinel
	if opts.Terminal == TerminalDoneEvent {
		terminal = DoneEvent
	}
	if _, err := w.Write(terminal); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// WriteError writes a single inline error frame.
func WriteError(w FlushWriter, message string) error {
	return writeEvent(w, domain.ErrorEvent{Message: message})
}

func writeEvent(w FlushWriter, ev domain.Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	w.Flush()
	return nil
}
