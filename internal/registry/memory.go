package registry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jorgeraad/leafai/internal/domain"
)

type memoryRun struct {
	run    domain.Run
	events []domain.Event
	// changed is closed and replaced on every append or completion.
	changed chan struct{}
}

// Memory is a single-process Registry.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
	now  func() time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		runs: make(map[string]*memoryRun),
		now:  time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	m.runs[runID] = &memoryRun{
		run:     domain.Run{ID: runID, Status: domain.RunStatusRunning, CreatedAt: m.now()},
		changed: make(chan struct{}),
	}
	return nil
}

func (m *Memory) Append(ctx context.Context, runID string, ev domain.Event) (int, error) {
	if _, err := domain.MarshalEvent(ev); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(runID)
	if err != nil {
		return 0, err
	}
	if r.run.Status.IsTerminal() {
		return 0, fmt.Errorf("append to %s: %w", runID, domain.ErrRunTerminal)
	}
	r.events = append(r.events, ev)
	r.broadcast()
	return len(r.events) - 1, nil
}

func (m *Memory) Complete(ctx context.Context, runID string, result domain.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if r.run.Status.IsTerminal() {
		return fmt.Errorf("complete %s: %w", runID, domain.ErrRunTerminal)
	}
	now := m.now()
	res := result
	r.run.Status = result.Status()
	r.run.Result = &res
	r.run.EndedAt = &now
	r.broadcast()
	return nil
}

func (m *Memory) Readable(ctx context.Context, runID string, startIndex int) (Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.lookup(runID); err != nil {
		return nil, err
	}
	return &memoryStream{m: m, runID: runID, next: clampIndex(startIndex)}, nil
}

func (m *Memory) Result(ctx context.Context, runID string) (*domain.RunResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	if r.run.Result == nil {
		return nil, nil
	}
	res := *r.run.Result
	return &res, nil
}

func (m *Memory) Wait(ctx context.Context, runID string) (domain.RunResult, error) {
	for {
		m.mu.RLock()
		r, err := m.lookup(runID)
		if err != nil {
			m.mu.RUnlock()
			return domain.RunResult{}, err
		}
		if r.run.Result != nil {
			res := *r.run.Result
			m.mu.RUnlock()
			return res, nil
		}
		ch := r.changed
		m.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return domain.RunResult{}, ctx.Err()
		}
	}
}

func (m *Memory) Length(ctx context.Context, runID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.lookup(runID)
	if err != nil {
		return 0, err
	}
	return len(r.events), nil
}

func (m *Memory) Get(ctx context.Context, runID string) (*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	run := r.run
	if run.Result != nil {
		res := *run.Result
		run.Result = &res
	}
	return &run, nil
}

func (m *Memory) lookup(runID string) (*memoryRun, error) {
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return r, nil
}

func (r *memoryRun) broadcast() {
	close(r.changed)
	r.changed = make(chan struct{})
}

type memoryStream struct {
	m     *Memory
	runID string
	next  int
}

func (s *memoryStream) Next(ctx context.Context) (domain.Event, error) {
	for {
		s.m.mu.RLock()
		r := s.m.runs[s.runID]
		if s.next < len(r.events) {
			ev := r.events[s.next]
			s.next++
			s.m.mu.RUnlock()
			return ev, nil
		}
		if r.run.Status.IsTerminal() {
			s.m.mu.RUnlock()
			return nil, io.EOF
		}
		ch := r.changed
		s.m.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
