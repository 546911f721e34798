// Package tools holds the capability set offered to the agent for one run.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jorgeraad/leafai/internal/adapter/llm"
)

// ErrUnknownTool is returned by Execute for a name outside the set.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ExecutorFunc runs a tool with JSON arguments and returns a JSON result.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool is one capability.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]interface{}
	Exec       ExecutorFunc
}

// Set is an immutable, ordered collection of tools.
type Set struct {
	order []string
	tools map[string]Tool
}

// NewSet builds a set, rejecting unnamed tools, missing executors and
// duplicate names.
func NewSet(tools ...Tool) (*Set, error) {
	s := &Set{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		if t.Exec == nil {
			return nil, fmt.Errorf("executor is required for %s", t.Name)
		}
		if _, exists := s.tools[t.Name]; exists {
			return nil, fmt.Errorf("tool %s registered twice", t.Name)
		}
		s.tools[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// Empty returns a set with no tools.
func Empty() *Set {
	return &Set{tools: map[string]Tool{}}
}

// Len returns the number of tools. A nil set is empty.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns tool names in registration order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Definitions renders the set as LLM function tools.
func (s *Set) Definitions() []llm.Tool {
	if s.Len() == 0 {
		return nil
	}
	defs := make([]llm.Tool, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, llm.FunctionTool(t.Name, t.Description, params))
	}
	return defs
}

// Execute runs the named tool.
func (s *Set) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	t, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return t.Exec(ctx, args)
}

// Wrap returns a new set whose executors are wrapped by mw.
func (s *Set) Wrap(mw func(t Tool, next ExecutorFunc) ExecutorFunc) *Set {
	if s == nil {
		return Empty()
	}
	out := &Set{order: append([]string(nil), s.order...), tools: make(map[string]Tool, len(s.tools))}
	for name, t := range s.tools {
		wrapped := t
		wrapped.Exec = mw(t, t.Exec)
		out.tools[name] = wrapped
	}
	return out
}
