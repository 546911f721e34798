package workflow

import (
	"context"
	"encoding/json"
	"sync"
)

// CheckpointStore persists step outputs so a run can resume after the
// process restarts.
type CheckpointStore interface {
	SaveStep(ctx context.Context, runID, pipeline, step string, output json.RawMessage) error
	// LoadSteps returns the saved outputs of runID keyed by step name.
	LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error)
}

// MemoryCheckpoints keeps checkpoints in process memory.
type MemoryCheckpoints struct {
	mu    sync.Mutex
	steps map[string]map[string]json.RawMessage
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{steps: make(map[string]map[string]json.RawMessage)}
}

func (m *MemoryCheckpoints) SaveStep(ctx context.Context, runID, pipeline, step string, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[runID] == nil {
		m.steps[runID] = make(map[string]json.RawMessage)
	}
	m.steps[runID][step] = append(json.RawMessage(nil), output...)
	return nil
}

func (m *MemoryCheckpoints) LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.steps[runID]))
	for k, v := range m.steps[runID] {
		out[k] = v
	}
	return out, nil
}
