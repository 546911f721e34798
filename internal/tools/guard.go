package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jorgeraad/leafai/internal/metrics"
	"github.com/jorgeraad/leafai/internal/policy"
)

// ErrBlocked is returned for invocations the policy refused.
var ErrBlocked = errors.New("blocked by policy")

// Authorizer evaluates capability policy.
type Authorizer interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Subject identifies on whose behalf tools run.
type Subject struct {
	UserID      string
	WorkspaceID string
}

// Guard checks every invocation of set against auth before executing it.
func Guard(set *Set, auth Authorizer, subject Subject) *Set {
	return set.Wrap(func(t Tool, next ExecutorFunc) ExecutorFunc {
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			d, err := auth.Evaluate(ctx, policy.Input{
				ToolName:    t.Name,
				UserID:      subject.UserID,
				WorkspaceID: subject.WorkspaceID,
				Args:        args,
			})
			if err != nil {
				return nil, fmt.Errorf("policy check for %s: %w", t.Name, err)
			}
			if !d.Allowed() {
				if d.Reason == "" {
					return nil, ErrBlocked
				}
				return nil, fmt.Errorf("%w: %s", ErrBlocked, d.Reason)
			}
			return next(ctx, args)
		}
	})
}

// Instrument counts invocations by outcome.
func Instrument(set *Set, m *metrics.Metrics) *Set {
	return set.Wrap(func(t Tool, next ExecutorFunc) ExecutorFunc {
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			out, err := next(ctx, args)
			switch {
			case errors.Is(err, ErrBlocked):
				m.ToolCalled(t.Name, "blocked")
			case err != nil:
				m.ToolCalled(t.Name, "error")
			default:
				m.ToolCalled(t.Name, "ok")
			}
			return out, err
		}
	})
}
