// Package workflow runs fixed, ordered step pipelines as resumable runs whose
// output is appended to a run registry.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/registry"
)

// DefaultFailureMessage is emitted when a step fails without having surfaced
// its own error event.
const DefaultFailureMessage = "An error occurred while generating a response"

// argsStep is the checkpoint name under which run arguments are stored.
const argsStep = "_args"

// ErrNoOutput is returned by State.Output for a step that has not completed.
var ErrNoOutput = errors.New("workflow: step has no output")

// StepFunc executes one step. Its return value is checkpointed as JSON and
// made available to later steps through State.Output.
type StepFunc func(ctx context.Context, st *State) (any, error)

// Step is one named stage of a pipeline.
type Step struct {
	Name string
	Run  StepFunc
	// Retries is the number of extra attempts after a failure.
	Retries int
}

// Pipeline is a linear sequence of steps.
type Pipeline struct {
	Name  string
	Steps []Step
	// OnFailure runs once when a step exhausts its retries, before the run
	// is completed as failed. It must not assume the failed step's output.
	OnFailure func(ctx context.Context, st *State, step string, err error)
	// Outcome derives the terminal result after the last step. Without it a
	// finished pipeline is a success with no message id.
	Outcome func(st *State) (domain.RunResult, error)
	// FailureMessage overrides DefaultFailureMessage.
	FailureMessage string
}

func (p *Pipeline) validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: pipeline %q has no steps", domain.ErrInvalidArgument, p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Name == "" || s.Name == argsStep || s.Run == nil {
			return fmt.Errorf("%w: pipeline %q has an invalid step %q", domain.ErrInvalidArgument, p.Name, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: pipeline %q repeats step %q", domain.ErrInvalidArgument, p.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func (p *Pipeline) failureMessage() string {
	if p.FailureMessage != "" {
		return p.FailureMessage
	}
	return DefaultFailureMessage
}

// State is the durable context shared by the steps of one run.
type State struct {
	runID    string
	args     json.RawMessage
	registry registry.Registry
	onAppend func(domain.Event)

	mu       sync.Mutex
	outputs  map[string]json.RawMessage
	restored map[string]bool
	sawError bool
}

// RunID returns the id of the run being executed.
func (s *State) RunID() string { return s.runID }

// Args decodes the run arguments into v.
func (s *State) Args(v any) error {
	return json.Unmarshal(s.args, v)
}

// Output decodes the checkpointed output of an earlier step into v.
func (s *State) Output(step string, v any) error {
	s.mu.Lock()
	data, ok := s.outputs[step]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoOutput, step)
	}
	return json.Unmarshal(data, v)
}

// Resumed reports whether any step output was restored from a checkpoint
// instead of being produced by this process.
func (s *State) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.restored) > 0
}

// Emit appends ev to the run's event log.
func (s *State) Emit(ctx context.Context, ev domain.Event) error {
	if _, err := s.registry.Append(ctx, s.runID, ev); err != nil {
		return err
	}
	if _, ok := ev.(domain.ErrorEvent); ok {
		s.mu.Lock()
		s.sawError = true
		s.mu.Unlock()
	}
	if s.onAppend != nil {
		s.onAppend(ev)
	}
	return nil
}

// EventCount returns the number of events already in the run's log.
func (s *State) EventCount(ctx context.Context) (int, error) {
	return s.registry.Length(ctx, s.runID)
}

func (s *State) emittedError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawError
}

func (s *State) setOutput(step string, data json.RawMessage) {
	s.mu.Lock()
	s.outputs[step] = data
	s.mu.Unlock()
}

func (s *State) hasOutput(step string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outputs[step]
	return ok
}
