// Package domain contains the core types for the task execution service.
package domain

import "time"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Key uniquely identifies a task. Both fields are opaque client-chosen
// strings, typically (bot-name, thread-id).
type Key struct {
	ClientID  string
	RequestID string
}

// Task is the central entity: one client-visible unit of agent execution.
type Task struct {
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id"`

	Status Status `json:"status"`
	Prompt string `json:"prompt"`

	ResumeSessionID string `json:"resume_session_id,omitempty"`
	ClaudeSessionID string `json:"claude_session_id,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	Attachments []string `json:"attachments,omitempty"`

	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	UseMCP          bool     `json:"use_mcp,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Key returns the task's identifying key.
func (t *Task) Key() Key {
	return Key{ClientID: t.ClientID, RequestID: t.RequestID}
}

// IsTerminal reports whether the task has reached a terminal status.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusError
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries (slices are copied; the struct itself is returned by value
// to callers holding no reference to the registry's stored pointer).
func (t *Task) Clone() *Task {
	c := *t
	if t.Attachments != nil {
		c.Attachments = append([]string(nil), t.Attachments...)
	}
	if t.AllowedTools != nil {
		c.AllowedTools = append([]string(nil), t.AllowedTools...)
	}
	if t.DisallowedTools != nil {
		c.DisallowedTools = append([]string(nil), t.DisallowedTools...)
	}
	return &c
}

// CreateOptions carries the optional fields accepted by Task Manager's
// create operation.
type CreateOptions struct {
	ResumeSessionID string
	AllowedTools    []string
	DisallowedTools []string
	UseMCP          bool
}
