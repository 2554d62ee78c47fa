// Package store persists tasks and messages so a conversation can be
// inspected and resumed after a crash.
//
// All updates are whole-value: a tool call or message part is written in
// full, keyed by its ID or sequence number, so replaying a write is safe.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"codeloop/internal/config"
)

// ErrNotFound is returned when a task or message does not exist.
var ErrNotFound = errors.New("not found")

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Progress describes how far a task has come.
type Progress struct {
	Percentage     int    `json:"percentage"`
	CurrentStep    string `json:"current_step,omitempty"`
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
}

// ToolCall is the persisted state of one tool call.
type ToolCall struct {
	ID              string         `json:"id"`
	Tool            string         `json:"tool"`
	Params          map[string]any `json:"params,omitempty"`
	Status          string         `json:"status"`
	Result          string         `json:"result,omitempty"`
	ResultDisplay   any            `json:"result_display,omitempty"`
	Error           string         `json:"error,omitempty"`
	StreamingOutput string         `json:"streaming_output,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	CompletedAt     time.Time      `json:"completed_at,omitzero"`
}

// Task is one user request being processed.
type Task struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Project        string     `json:"project"`
	Status         TaskStatus `json:"status"`
	Progress       Progress   `json:"progress"`
	ToolCalls      []ToolCall `json:"tool_calls"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Role is who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies a message part.
type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool_call"
)

// Part is one ordered element of a message.
type Part struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart returns a tool call part.
func ToolCallPart(tc ToolCall) Part {
	return Part{Type: PartToolCall, ToolCall: &tc}
}

// Message is one conversation message.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	TaskID         string            `json:"task_id,omitempty"`
	Role           Role              `json:"role"`
	Parts          []Part            `json:"parts"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	StartTask(ctx context.Context, id string) error
	// AppendToolCall adds tc, or replaces the call with the same ID.
	AppendToolCall(ctx context.Context, taskID string, tc ToolCall) error
	// UpdateToolCall replaces the call with tc's ID.
	UpdateToolCall(ctx context.Context, taskID string, tc ToolCall) error
	UpdateProgress(ctx context.Context, taskID string, p Progress) error
	CompleteTask(ctx context.Context, id, result string) error
	FailTask(ctx context.Context, id, message string) error
	CancelTask(ctx context.Context, id string) error
}

// MessageStore persists messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	// ListMessages returns a conversation's messages oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// SetPart writes the part at seq, appending when seq is the next index.
	SetPart(ctx context.Context, messageID string, seq int, part Part) error
	// FinalizeMessage sets the final content and merges metadata.
	FinalizeMessage(ctx context.Context, messageID, content string, metadata map[string]string) error
}

// Store is the full persistence surface.
type Store interface {
	TaskStore
	MessageStore
	Close() error
}

// Open returns the store selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// upsertToolCall returns calls with tc replacing the entry of the same ID,
// or appended. The input slice is not modified.
func upsertToolCall(calls []ToolCall, tc ToolCall) []ToolCall {
	out := append([]ToolCall(nil), calls...)
	for i := range out {
		if out[i].ID == tc.ID {
			out[i] = tc
			return out
		}
	}
	return append(out, tc)
}

// placeholderPart fills sequence numbers skipped by an earlier failed write
// until that write is retried.
var placeholderPart = Part{Type: PartText}

// setPart returns parts with part stored at seq. A seq past the end pads the
// gap with placeholders.
func setPart(parts []Part, seq int, part Part) ([]Part, error) {
	if seq < 0 {
		return nil, fmt.Errorf("part %d out of range", seq)
	}
	out := append([]Part(nil), parts...)
	for len(out) <= seq {
		out = append(out, placeholderPart)
	}
	out[seq] = part
	return out, nil
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]string, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)
	return out
}
