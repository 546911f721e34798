package workflow

import (
	"context"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/registry"
)

// Handle is a caller's view of a run. Any number of handles may exist for
// the same run; they only read.
type Handle struct {
	RunID    string
	registry registry.Registry
}

// Stream reads the run from its first event.
func (h *Handle) Stream(ctx context.Context) (registry.Stream, error) {
	return h.registry.Readable(ctx, h.RunID, 0)
}

// Readable reads the run starting at startIndex.
func (h *Handle) Readable(ctx context.Context, startIndex int) (registry.Stream, error) {
	return h.registry.Readable(ctx, h.RunID, startIndex)
}

// Wait blocks until the run is terminal.
func (h *Handle) Wait(ctx context.Context) (domain.RunResult, error) {
	return h.registry.Wait(ctx, h.RunID)
}

// Result returns the terminal result, or nil while the run is in progress.
func (h *Handle) Result(ctx context.Context) (*domain.RunResult, error) {
	return h.registry.Result(ctx, h.RunID)
}
