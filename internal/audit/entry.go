package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is one audited tool execution.
type Entry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversation_id"`
	Project        string         `json:"project"`
	CallID         string         `json:"call_id"`
	ToolName       string         `json:"tool_name"`
	Args           map[string]any `json:"args"`
	Result         string         `json:"result"` // Truncated result
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	Duration       time.Duration  `json:"-"`
}

// NewEntry creates a new audit entry with a generated ID and timestamp.
func NewEntry(conversationID, project, callID, toolName string, args map[string]any) *Entry {
	return &Entry{
		ID:             uuid.New().String(),
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Project:        project,
		CallID:         callID,
		ToolName:       toolName,
		Args:           args,
	}
}

// Complete fills in the result fields after tool execution.
func (e *Entry) Complete(result string, success bool, err string, duration time.Duration) {
	e.Result = result
	e.Success = success
	e.Error = err
	e.Duration = duration
}

// MarshalJSON writes Duration as duration_ms.
func (e *Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	return json.Marshal(&struct {
		*Alias
		DurationMs int64 `json:"duration_ms"`
	}{
		Alias:      (*Alias)(e),
		DurationMs: e.Duration.Milliseconds(),
	})
}

// UnmarshalJSON reads duration_ms back into Duration.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type Alias Entry
	aux := &struct {
		*Alias
		DurationMs int64 `json:"duration_ms"`
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	e.Duration = time.Duration(aux.DurationMs) * time.Millisecond
	return nil
}

// QueryFilter defines criteria for querying audit entries.
type QueryFilter struct {
	ToolName       string
	ConversationID string
	Project        string
	Success        *bool
	Since          time.Time
	Limit          int
}

// Matches checks if the entry matches the filter criteria.
func (e *Entry) Matches(filter QueryFilter) bool {
	if filter.ToolName != "" && e.ToolName != filter.ToolName {
		return false
	}
	if filter.ConversationID != "" && e.ConversationID != filter.ConversationID {
		return false
	}
	if filter.Project != "" && e.Project != filter.Project {
		return false
	}
	if filter.Success != nil && e.Success != *filter.Success {
		return false
	}
	if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}

var sensitiveKeys = map[string]bool{
	"password":    true,
	"secret":      true,
	"token":       true,
	"api_key":     true,
	"apikey":      true,
	"credentials": true,
	"auth":        true,
}

// SanitizeArgs creates a copy of args with sensitive keys masked.
func SanitizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	sanitized := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}

// TruncateResult truncates a result string to the specified maximum length.
func TruncateResult(result string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 1000
	}
	if len(result) <= maxLen {
		return result
	}
	return result[:maxLen] + "...[truncated]"
}
