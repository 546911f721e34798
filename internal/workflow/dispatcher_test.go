package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/registry"
)

type greetArgs struct {
	Name string `json:"name"`
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *MemoryCheckpoints) {
	t.Helper()
	cps := NewMemoryCheckpoints()
	opts = append([]Option{WithRetryBackoff(time.Millisecond)}, opts...)
	d := NewDispatcher(registry.NewMemory(), cps, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d, cps
}

func waitResult(t *testing.T, h *Handle) domain.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	return res
}

func drain(t *testing.T, h *Handle, start int) []domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := h.Readable(ctx, start)
	require.NoError(t, err)
	events, err := registry.Collect(ctx, stream)
	require.NoError(t, err)
	return events
}

// greetPipeline emits one delta per step and counts persist calls.
func greetPipeline(persisted *atomic.Int32) *Pipeline {
	return &Pipeline{
		Name: "greet",
		Steps: []Step{
			{Name: "load", Run: func(ctx context.Context, st *State) (any, error) {
				var args greetArgs
				if err := st.Args(&args); err != nil {
					return nil, err
				}
				return "Hello, " + args.Name, nil
			}},
			{Name: "speak", Run: func(ctx context.Context, st *State) (any, error) {
				var greeting string
				if err := st.Output("load", &greeting); err != nil {
					return nil, err
				}
				for _, tok := range []string{greeting, "!"} {
					if err := st.Emit(ctx, domain.TextDelta{Text: tok}); err != nil {
						return nil, err
					}
				}
				return greeting + "!", nil
			}},
			{Name: "persist", Run: func(ctx context.Context, st *State) (any, error) {
				persisted.Add(1)
				return "msg_" + st.RunID(), nil
			}},
		},
		Outcome: func(st *State) (domain.RunResult, error) {
			var id string
			if err := st.Output("persist", &id); err != nil {
				return domain.RunResult{}, err
			}
			return domain.RunResult{MessageID: id, Success: true}, nil
		},
	}
}

func TestStartRunsStepsInOrder(t *testing.T) {
	d, cps := newTestDispatcher(t)
	var persisted atomic.Int32

	h, err := d.Start(context.Background(), greetPipeline(&persisted), greetArgs{Name: "Leaf"}, WithRunID("run_fixed"))
	require.NoError(t, err)
	assert.Equal(t, "run_fixed", h.RunID)

	res := waitResult(t, h)
	assert.Equal(t, domain.RunResult{MessageID: "msg_run_fixed", Success: true}, res)
	assert.Equal(t, []domain.Event{
		domain.TextDelta{Text: "Hello, Leaf"},
		domain.TextDelta{Text: "!"},
	}, drain(t, h, 0))

	saved, err := cps.LoadSteps(context.Background(), "run_fixed")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Leaf"}`, string(saved[argsStep]))
	assert.JSONEq(t, `"Hello, Leaf!"`, string(saved["speak"]))
}

func TestNoDuplicateSideEffectsAcrossReaders(t *testing.T) {
	for _, readers := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("readers=%d", readers), func(t *testing.T) {
			d, _ := newTestDispatcher(t)
			var persisted atomic.Int32

			h, err := d.Start(context.Background(), greetPipeline(&persisted), greetArgs{Name: "Ada"})
			require.NoError(t, err)

			var wg sync.WaitGroup
			got := make([][]domain.Event, readers)
			for i := 0; i < readers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					got[i] = drain(t, h, 0)
				}(i)
			}
			wg.Wait()
			waitResult(t, h)

			// Reattach after completion as well.
			for i := 0; i < readers; i++ {
				assert.Equal(t, drain(t, h, 0), got[i])
			}
			assert.EqualValues(t, 1, persisted.Load())
		})
	}
}

func TestDisconnectedReaderDoesNotCancelRun(t *testing.T) {
	d, _ := newTestDispatcher(t)
	release := make(chan struct{})
	var persisted atomic.Int32

	p := &Pipeline{
		Name: "slow",
		Steps: []Step{
			{Name: "produce", Run: func(ctx context.Context, st *State) (any, error) {
				if err := st.Emit(ctx, domain.TextDelta{Text: "first"}); err != nil {
					return nil, err
				}
				<-release
				return nil, st.Emit(ctx, domain.TextDelta{Text: "second"})
			}},
			{Name: "persist", Run: func(ctx context.Context, st *State) (any, error) {
				persisted.Add(1)
				return nil, nil
			}},
		},
	}

	reqCtx, cancelReq := context.WithCancel(context.Background())
	h, err := d.Start(reqCtx, p, nil)
	require.NoError(t, err)

	stream, err := h.Stream(reqCtx)
	require.NoError(t, err)
	ev, err := stream.Next(reqCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.TextDelta{Text: "first"}, ev)

	cancelReq()
	close(release)

	res := waitResult(t, h)
	assert.True(t, res.Success)
	assert.EqualValues(t, 1, persisted.Load())
	assert.Len(t, drain(t, h, 0), 2)
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var attempts atomic.Int32

	p := &Pipeline{
		Name: "flaky",
		Steps: []Step{{Name: "fetch", Retries: 2, Run: func(ctx context.Context, st *State) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		}}},
	}
	h, err := d.Start(context.Background(), p, nil)
	require.NoError(t, err)

	assert.True(t, waitResult(t, h).Success)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestStepFailureEmitsOneErrorEvent(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var failedStep string

	p := &Pipeline{
		Name: "broken",
		Steps: []Step{
			{Name: "load", Run: func(ctx context.Context, st *State) (any, error) {
				return nil, errors.New("database offline")
			}},
			{Name: "never", Run: func(ctx context.Context, st *State) (any, error) {
				t.Error("step after failure must not run")
				return nil, nil
			}},
		},
		OnFailure: func(ctx context.Context, st *State, step string, err error) {
			failedStep = step
		},
	}
	h, err := d.Start(context.Background(), p, nil)
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.False(t, res.Success)
	assert.Empty(t, res.MessageID)
	assert.Contains(t, res.Error, "database offline")
	assert.Equal(t, "load", failedStep)
	assert.Equal(t, []domain.Event{domain.ErrorEvent{Message: DefaultFailureMessage}}, drain(t, h, 0))
}

func TestStepFailureKeepsStepErrorEvent(t *testing.T) {
	d, _ := newTestDispatcher(t)
	p := &Pipeline{
		Name: "agent",
		Steps: []Step{{Name: "invoke", Run: func(ctx context.Context, st *State) (any, error) {
			if err := st.Emit(ctx, domain.ErrorEvent{Message: "provider unavailable"}); err != nil {
				return nil, err
			}
			return nil, errors.New("provider unavailable")
		}}},
	}
	h, err := d.Start(context.Background(), p, nil)
	require.NoError(t, err)

	assert.False(t, waitResult(t, h).Success)
	assert.Equal(t, []domain.Event{domain.ErrorEvent{Message: "provider unavailable"}}, drain(t, h, 0))
}

func TestPanickingStepFailsRun(t *testing.T) {
	d, _ := newTestDispatcher(t)
	p := &Pipeline{
		Name:  "panics",
		Steps: []Step{{Name: "boom", Run: func(ctx context.Context, st *State) (any, error) { panic("nil map") }}},
	}
	h, err := d.Start(context.Background(), p, nil)
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panic: nil map")
}

func TestRunTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, WithRunTimeout(50*time.Millisecond))
	p := &Pipeline{
		Name: "stuck",
		Steps: []Step{{Name: "wait", Retries: 3, Run: func(ctx context.Context, st *State) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}},
	}
	h, err := d.Start(context.Background(), p, nil)
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
	assert.Len(t, drain(t, h, 0), 1)
}

func TestResumeSkipsCheckpointedSteps(t *testing.T) {
	d, cps := newTestDispatcher(t)
	ctx := context.Background()
	var persisted atomic.Int32

	const runID = "run_resumed"
	require.NoError(t, cps.SaveStep(ctx, runID, "greet", argsStep, json.RawMessage(`{"name":"Grace"}`)))
	require.NoError(t, cps.SaveStep(ctx, runID, "greet", "load", json.RawMessage(`"Welcome back, Grace"`)))

	p := greetPipeline(&persisted)
	p.Steps[0].Run = func(ctx context.Context, st *State) (any, error) {
		t.Error("checkpointed step must not run again")
		return nil, nil
	}

	h, err := d.Resume(ctx, p, runID)
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, "msg_run_resumed", res.MessageID)
	assert.Equal(t, domain.TextDelta{Text: "Welcome back, Grace"}, drain(t, h, 0)[0])
	assert.EqualValues(t, 1, persisted.Load())
}

func TestResumeTerminalRunIsNoop(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var persisted atomic.Int32

	h, err := d.Start(context.Background(), greetPipeline(&persisted), greetArgs{Name: "Lin"})
	require.NoError(t, err)
	waitResult(t, h)

	again, err := d.Resume(context.Background(), greetPipeline(&persisted), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, h.RunID, again.RunID)
	assert.EqualValues(t, 1, persisted.Load())
}

func TestResumeWithoutArgs(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var persisted atomic.Int32
	_, err := d.Resume(context.Background(), greetPipeline(&persisted), "run_unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetRun(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.GetRun(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var persisted atomic.Int32
	h, err := d.Start(context.Background(), greetPipeline(&persisted), greetArgs{Name: "Kim"})
	require.NoError(t, err)
	waitResult(t, h)

	again, err := d.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, drain(t, h, 1), drain(t, again, 1))
}

func TestInvalidPipeline(t *testing.T) {
	d, _ := newTestDispatcher(t)
	noop := func(ctx context.Context, st *State) (any, error) { return nil, nil }

	for _, p := range []*Pipeline{
		{Name: "empty"},
		{Name: "dup", Steps: []Step{{Name: "a", Run: noop}, {Name: "a", Run: noop}}},
		{Name: "reserved", Steps: []Step{{Name: argsStep, Run: noop}}},
		{Name: "nil", Steps: []Step{{Name: "a"}}},
	} {
		_, err := d.Start(context.Background(), p, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, p.Name)
	}
}

func TestShutdownWaitsForRunsAndRejectsNew(t *testing.T) {
	cps := NewMemoryCheckpoints()
	d := NewDispatcher(registry.NewMemory(), cps)
	release := make(chan struct{})
	var finished atomic.Bool

	p := &Pipeline{
		Name: "long",
		Steps: []Step{{Name: "work", Run: func(ctx context.Context, st *State) (any, error) {
			<-release
			finished.Store(true)
			return nil, nil
		}}},
	}
	_, err := d.Start(context.Background(), p, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.True(t, finished.Load())

	_, err = d.Start(context.Background(), p, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
