package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeraad/leafai/internal/domain"
)

type sliceSource struct {
	events []domain.Event
	err    error
}

func (s *sliceSource) Next(ctx context.Context) (domain.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

type recorder struct {
	bytes.Buffer
	flushes int
}

func (r *recorder) Flush() { r.flushes++ }

func decodeAll(t *testing.T, raw []byte) []domain.Event {
	t.Helper()
	r := NewReader(bytes.NewReader(raw))
	var out []domain.Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestForwardWritesSentinel(t *testing.T) {
	w := &recorder{}
	src := &sliceSource{events: []domain.Event{domain.TextDelta{Text: "a"}, domain.TextDelta{Text: "b"}}}

	err := Forward(context.Background(), w, src, Options{
		Result: func(context.Context) (domain.RunResult, error) {
			return domain.RunResult{MessageID: "msg_1", Success: true}, nil
		},
	})
	require.NoError(t, err)

	assert.True(t, bytes.HasSuffix(w.Bytes(), DoneSentinel))
	assert.Equal(t, 3, w.flushes)
	assert.Equal(t, []domain.Event{domain.TextDelta{Text: "a"}, domain.TextDelta{Text: "b"}}, decodeAll(t, w.Bytes()))
}

func TestForwardWritesDoneEvent(t *testing.T) {
	w := &recorder{}
	err := Forward(context.Background(), w, &sliceSource{}, Options{Terminal: TerminalDoneEvent})
	require.NoError(t, err)
	assert.Equal(t, string(DoneEvent), w.String())
}

func TestForwardSynthesizesErrorForSilentFailure(t *testing.T) {
	w := &recorder{}
	err := Forward(context.Background(), w, &sliceSource{}, Options{
		Result: func(context.Context) (domain.RunResult, error) {
			return domain.RunResult{Success: false}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Event{domain.ErrorEvent{Message: MsgGenerationFailed}}, decodeAll(t, w.Bytes()))
}

func TestForwardSkipsFallbackWhenErrorAlreadyStreamed(t *testing.T) {
	w := &recorder{}
	called := false
	err := Forward(context.Background(), w, &sliceSource{events: []domain.Event{domain.ErrorEvent{Message: "provider down"}}}, Options{
		Result: func(context.Context) (domain.RunResult, error) {
			called = true
			return domain.RunResult{}, nil
		},
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, []domain.Event{domain.ErrorEvent{Message: "provider down"}}, decodeAll(t, w.Bytes()))
}

func TestForwardResultLookupFailure(t *testing.T) {
	w := &recorder{}
	err := Forward(context.Background(), w, &sliceSource{}, Options{
		Result: func(context.Context) (domain.RunResult, error) {
			return domain.RunResult{}, errors.New("store offline")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Event{domain.ErrorEvent{Message: MsgWorkflowFailed}}, decodeAll(t, w.Bytes()))
}

func TestForwardReadFailureClosesWithoutTerminal(t *testing.T) {
	w := &recorder{}
	src := &sliceSource{events: []domain.Event{domain.TextDelta{Text: "partial"}}, err: errors.New("connection reset")}

	err := Forward(context.Background(), w, src, Options{})
	require.Error(t, err)

	assert.False(t, bytes.Contains(w.Bytes(), DoneSentinel))
	assert.Equal(t, []domain.Event{
		domain.TextDelta{Text: "partial"},
		domain.ErrorEvent{Message: MsgStreamTerminated},
	}, decodeAll(t, w.Bytes()))
}

func TestForwardStopsQuietlyWhenConsumerLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &recorder{}
	err := Forward(ctx, w, &sliceSource{err: context.Canceled}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, w.Len())
}
