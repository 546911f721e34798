// Package registry stores run status, the append-only run event log and the
// terminal run result. Implementations are interchangeable: the dispatcher and
// the transport layer only see the Registry interface.
package registry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jorgeraad/leafai/internal/domain"
)

// ErrRunExists is returned by Create for an id that is already registered.
var ErrRunExists = errors.New("registry: run already exists")

// Registry is the durable mapping from run id to run state.
//
// Append is called by exactly one writer per run. Any number of readers may
// consume a run concurrently through Readable, each from its own offset.
type Registry interface {
	// Create registers a new running run.
	Create(ctx context.Context, runID string) error
	// Append stores ev at the next index of the run's log and returns that
	// index. It fails with domain.ErrRunTerminal once the run has completed.
	Append(ctx context.Context, runID string, ev domain.Event) (int, error)
	// Complete sets the terminal result. It succeeds exactly once per run.
	Complete(ctx context.Context, runID string, result domain.RunResult) error
	// Readable returns a stream of the run's events starting at startIndex.
	// Buffered events are yielded first, then live ones; the stream ends
	// with io.EOF after the run is terminal and fully drained.
	Readable(ctx context.Context, runID string, startIndex int) (Stream, error)
	// Result returns the terminal result, or nil while the run is pending.
	Result(ctx context.Context, runID string) (*domain.RunResult, error)
	// Wait blocks until the run is terminal and returns its result.
	Wait(ctx context.Context, runID string) (domain.RunResult, error)
	// Length returns the number of events in the run's log.
	Length(ctx context.Context, runID string) (int, error)
	// Get returns the run record.
	Get(ctx context.Context, runID string) (*domain.Run, error)
}

// Stream is a single reader's cursor over a run's event log.
type Stream interface {
	Next(ctx context.Context) (domain.Event, error)
}

// Collect drains a stream into a slice.
func Collect(ctx context.Context, s Stream) ([]domain.Event, error) {
	var events []domain.Event
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, err
		}
		events = append(events, ev)
	}
}

func clampIndex(i int) int {
	if i < 0 {
		return 0
	}
	return i
}

// pollResult waits for a terminal result, waking on wake or every interval.
func pollResult(ctx context.Context, interval time.Duration, wake func() <-chan struct{}, fetch func() (*domain.RunResult, error)) (domain.RunResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var ch <-chan struct{}
		if wake != nil {
			ch = wake()
		}
		res, err := fetch()
		if err != nil {
			return domain.RunResult{}, err
		}
		if res != nil {
			return *res, nil
		}
		select {
		case <-ctx.Done():
			return domain.RunResult{}, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}
