package domain

import "time"

// Run is one execution of a workflow pipeline.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// RunResult is the terminal value of a run. MessageID is empty when the
// run failed.
type RunResult struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Status maps the result to the terminal run status.
func (r RunResult) Status() RunStatus {
	if r.Success {
		return RunStatusCompleted
	}
	return RunStatusFailed
}

// ChatSession is a conversation inside a workspace.
type ChatSession struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is a persisted chat turn.
type Message struct {
	ID            string        `json:"id"`
	ChatSessionID string        `json:"chat_session_id"`
	Role          Role          `json:"role"`
	SenderID      string        `json:"sender_id,omitempty"`
	Parts         []Part        `json:"parts"`
	Status        MessageStatus `json:"status"`
	RunID         string        `json:"run_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Integration links a user's workspace to an external file provider.
type Integration struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	WorkspaceID  string              `json:"workspace_id"`
	Provider     IntegrationProvider `json:"provider"`
	Status       IntegrationStatus   `json:"status"`
	AccountEmail string              `json:"account_email,omitempty"`
	RefreshToken string              `json:"-"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Email  string
}
