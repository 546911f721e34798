package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeraad/leafai/internal/domain"
)

// runConformance exercises the behaviour every Registry must share.
func runConformance(t *testing.T, newRegistry func(t *testing.T) Registry) {
	t.Run("AppendAssignsSequentialIndexes", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		runID := domain.NewRunID()
		require.NoError(t, reg.Create(ctx, runID))

		for i, ev := range sampleEvents() {
			idx, err := reg.Append(ctx, runID, ev)
			require.NoError(t, err)
			assert.Equal(t, i, idx)
		}
		n, err := reg.Length(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, len(sampleEvents()), n)
	})

	t.Run("CreateRejectsDuplicate", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		runID := domain.NewRunID()
		require.NoError(t, reg.Create(ctx, runID))
		assert.ErrorIs(t, reg.Create(ctx, runID), ErrRunExists)
	})

	t.Run("ReplayCompletedRun", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		runID := completedRun(t, reg)

		stream, err := reg.Readable(ctx, runID, 0)
		require.NoError(t, err)
		events, err := Collect(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, sampleEvents(), events)
	})

	t.Run("ReconnectIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		runID := completedRun(t, reg)

		read := func() []domain.Event {
			stream, err := reg.Readable(ctx, runID, 2)
			require.NoError(t, err)
			events, err := Collect(ctx, stream)
			require.NoError(t, err)
			return events
		}
		first := read()
		assert.Equal(t, sampleEvents()[2:], first)
		assert.Equal(t, first, read())
	})

	t.Run("NegativeStartIndexReadsFromZero", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		runID := completedRun(t, reg)

		stream, err := reg.Readable(ctx, runID, -3)
		require.NoError(t, err)
		events, err := Collect(ctx, stream)
		require.NoError(t, err)
		assert.Len(t, events, len(sampleEvents()))
	})

	t.Run("StartIndexPastEndWaitsForMore", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg := newRegistry(t)
		runID := domain.NewRunID()
		require.NoError(t, reg.Create(ctx, runID))
		_, err := reg.Append(ctx, runID, domain.TextDelta{Text: "a"})
		require.NoError(t, err)

		stream, err := reg.Readable(ctx, runID, 3)
		require.NoError(t, err)

		got := make(chan []domain.Event, 1)
		go func() {
			events, _ := Collect(ctx, stream)
			got <- events
		}()

		for _, text := range []string{"b", "c", "d"} {
			_, err := reg.Append(ctx, runID, domain.TextDelta{Text: text})
			require.NoError(t, err)
		}
		require.NoError(t, reg.Complete(ctx, runID, domain.RunResult{MessageID: "m1", Success: true}))

		select {
		case events := <-got:
			assert.Equal(t, []domain.Event{domain.TextDelta{Text: "d"}}, events)
		case <-ctx.Done():
			t.Fatal("reader did not finish")
		}
	})

	t.Run("StartIndexPastEndOfCompletedRun", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg := newRegistry(t)
		runID := completedRun(t, reg)

		stream, err := reg.Readable(ctx, runID, 100)
		require.NoError(t, err)
		_, err = stream.Next(ctx)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("LiveReadersSeeSameOrder", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg := newRegistry(t)
		runID := domain.NewRunID()
		require.NoError(t, reg.Create(ctx, runID))

		const readers = 5
		var wg sync.WaitGroup
		results := make([][]domain.Event, readers)
		for i := 0; i < readers; i++ {
			stream, err := reg.Readable(ctx, runID, 0)
			require.NoError(t, err)
			wg.Add(1)
			go func(i int, s Stream) {
				defer wg.Done()
				results[i], _ = Collect(ctx, s)
			}(i, stream)
		}

		var want []domain.Event
		for i := 0; i < 20; i++ {
			ev := domain.TextDelta{Text: fmt.Sprintf("tok%d ", i)}
			want = append(want, ev)
			_, err := reg.Append(ctx, runID, ev)
			require.NoError(t, err)
		}
		require.NoError(t, reg.Complete(ctx, runID, domain.RunResult{MessageID: "m1", Success: true}))
		wg.Wait()

		for i := range results {
			assert.Equal(t, want, results[i], "reader %d", i)
		}
	})

	t.Run("CompleteIsExactlyOnce", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		runID := completedRun(t, reg)

		err := reg.Complete(ctx, runID, domain.RunResult{Success: false, Error: "late"})
		assert.ErrorIs(t, err, domain.ErrRunTerminal)
		_, err = reg.Append(ctx, runID, domain.TextDelta{Text: "late"})
		assert.ErrorIs(t, err, domain.ErrRunTerminal)

		res, err := reg.Result(ctx, runID)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, domain.RunResult{MessageID: "msg_1", Success: true}, *res)

		run, err := reg.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusCompleted, run.Status)
		assert.NotNil(t, run.EndedAt)
	})

	t.Run("ResultPendingThenWait", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg := newRegistry(t)
		runID := domain.NewRunID()
		require.NoError(t, reg.Create(ctx, runID))

		res, err := reg.Result(ctx, runID)
		require.NoError(t, err)
		assert.Nil(t, res)

		done := make(chan domain.RunResult, 1)
		go func() {
			r, err := reg.Wait(ctx, runID)
			if err == nil {
				done <- r
			}
		}()
		require.NoError(t, reg.Complete(ctx, runID, domain.RunResult{Success: false, Error: "boom"}))

		select {
		case r := <-done:
			assert.False(t, r.Success)
			assert.Equal(t, "boom", r.Error)
		case <-ctx.Done():
			t.Fatal("Wait did not return")
		}

		run, err := reg.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, run.Status)
	})

	t.Run("ReaderCancellation", func(t *testing.T) {
		reg := newRegistry(t)
		runID := domain.NewRunID()
		require.NoError(t, reg.Create(context.Background(), runID))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		stream, err := reg.Readable(ctx, runID, 0)
		require.NoError(t, err)
		_, err = stream.Next(ctx)
		assert.Error(t, err)

		_, err = reg.Append(context.Background(), runID, domain.TextDelta{Text: "still writable"})
		assert.NoError(t, err)
	})

	t.Run("UnknownRun", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)

		_, err := reg.Readable(ctx, "does-not-exist", 0)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = reg.Result(ctx, "does-not-exist")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = reg.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = reg.Append(ctx, "does-not-exist", domain.TextDelta{Text: "x"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		err = reg.Complete(ctx, "does-not-exist", domain.RunResult{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func sampleEvents() []domain.Event {
	return []domain.Event{
		domain.NewToolCall("tc1", "list_drive_folder", json.RawMessage(`{"folder_id":"root"}`)),
		domain.NewToolResult("tc1", json.RawMessage(`[{"id":"f1","name":"Notes"}]`)),
		domain.TextDelta{Text: "Here are "},
		domain.TextDelta{Text: "your files"},
	}
}

func completedRun(t *testing.T, reg Registry) string {
	t.Helper()
	ctx := context.Background()
	runID := domain.NewRunID()
	require.NoError(t, reg.Create(ctx, runID))
	for _, ev := range sampleEvents() {
		_, err := reg.Append(ctx, runID, ev)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Complete(ctx, runID, domain.RunResult{MessageID: "msg_1", Success: true}))
	return runID
}
