// Package domain defines the core domain models for the chat workflow service.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further events or transitions can occur.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// EventType is the discriminator of a streamed Event.
type EventType string

const (
	EventTypeTextDelta  EventType = "text-delta"
	EventTypeToolCall   EventType = "tool-call"
	EventTypeToolResult EventType = "tool-result"
	EventTypeError      EventType = "error"
)

// PartType is the discriminator of a persisted message Part.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus represents the lifecycle of a chat message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusCompleted MessageStatus = "completed"
	MessageStatusError     MessageStatus = "error"
)

// IsTerminal reports whether the message can no longer change.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusCompleted || s == MessageStatusError
}

// IntegrationProvider identifies an external file provider.
type IntegrationProvider string

const (
	ProviderGoogleDrive IntegrationProvider = "google_drive"
)

// IntegrationStatus represents the health of a connected integration.
type IntegrationStatus string

const (
	IntegrationStatusActive  IntegrationStatus = "active"
	IntegrationStatusError   IntegrationStatus = "error"
	IntegrationStatusRevoked IntegrationStatus = "revoked"
)
