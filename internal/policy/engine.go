// Package policy decides with OPA whether the agent may invoke a capability.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Actions a policy can return.
const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

// Input is the document a policy is evaluated against.
type Input struct {
	ToolName    string
	UserID      string
	WorkspaceID string
	Args        json.RawMessage
}

// Decision is the policy verdict for one invocation.
type Decision struct {
	Action string
	Reason string
}

// Allowed reports whether the invocation may proceed.
func (d Decision) Allowed() bool { return d.Action != ActionBlock }

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent, which must define
// data.capability_policy.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.capability_policy.decision"),
		rego.Module("capability_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy at path, or DefaultPolicy when path is
// empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks one capability invocation.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	var args interface{} = map[string]interface{}{}
	if len(in.Args) > 0 {
		if err := json.Unmarshal(in.Args, &args); err != nil {
			return Decision{Action: ActionBlock, Reason: "arguments are not valid JSON"}, nil
		}
	}
	input := map[string]interface{}{
		"tool_name":    in.ToolName,
		"user_id":      in.UserID,
		"workspace_id": in.WorkspaceID,
		"args":         args,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// Policies are expected to declare a default.
		return Decision{Action: ActionAllow, Reason: "default"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Action: v}, nil
	case map[string]interface{}:
		d := Decision{}
		d.Action, _ = v["action"].(string)
		d.Reason, _ = v["reason"].(string)
		if d.Action == "" {
			d.Action = ActionAllow
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unexpected policy result type %T", v)
	}
}

// DefaultPolicy blocks invocations whose arguments cannot succeed.
const DefaultPolicy = `
package capability_policy

default decision = {"action": "allow"}

decision = {"action": "block", "reason": concat("; ", deny)} {
	count(deny) > 0
}

deny[msg] {
	input.tool_name == "list_drive_folder"
	not valid_string(arg("folder_id"))
	msg := "list_drive_folder requires a folder_id"
}

deny[msg] {
	input.tool_name == "read_drive_file"
	not valid_string(arg("file_id"))
	msg := "read_drive_file requires a file_id"
}

deny[msg] {
	input.tool_name == "read_drive_file"
	input.args.mime_type == "application/vnd.google-apps.folder"
	msg := "folders cannot be read, use list_drive_folder instead"
}

deny[msg] {
	input.tool_name == "search_drive"
	not valid_string(arg("query"))
	msg := "search_drive requires a query"
}

# Missing arguments read as "" so the checks above still apply.
arg(key) = v {
	v := object.get(input.args, key, "")
} else = ""

valid_string(s) {
	is_string(s)
	trim_space(s) != ""
}
`
