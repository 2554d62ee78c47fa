// Package transport delivers conversation progress events to a client.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Kind identifies a transport event.
type Kind string

const (
	UserMessage    Kind = "user_message"
	AIStart        Kind = "ai_start"
	AIContent      Kind = "ai_content"
	ToolCallStart  Kind = "tool_call_start"
	ToolCallOutput Kind = "tool_call_output"
	ToolCallEnd    Kind = "tool_call_end"
	AIComplete     Kind = "ai_complete"
	Error          Kind = "error"
)

// Event is one notification. Data holds the payload type matching Type.
type Event struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// UserMessageData is the payload of user_message.
type UserMessageData struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
}

// AIStartData is the payload of ai_start.
type AIStartData struct {
	Round     int    `json:"round"`
	MessageID string `json:"message_id"`
}

// AIContentData is the payload of ai_content.
type AIContentData struct {
	Delta string `json:"delta"`
}

// ToolCallStartData is the payload of tool_call_start.
type ToolCallStartData struct {
	CallID string         `json:"call_id"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolCallOutputData is the payload of tool_call_output.
type ToolCallOutputData struct {
	CallID string `json:"call_id"`
	Chunk  string `json:"chunk"`
}

// ToolCallEndData is the payload of tool_call_end.
type ToolCallEndData struct {
	CallID        string `json:"call_id"`
	Tool          string `json:"tool"`
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	ResultDisplay any    `json:"result_display,omitempty"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

// AICompleteData is the payload of ai_complete.
type AICompleteData struct {
	TaskID    string `json:"task_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

// Sink receives events for one conversation.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// onceSink closes its inner sink at most once and rejects sends after that.
type onceSink struct {
	inner  Sink
	mu     sync.Mutex
	closed bool
	err    error
}

// Once wraps s so Close is forwarded exactly once.
func Once(s Sink) Sink {
	if o, ok := s.(*onceSink); ok {
		return o
	}
	return &onceSink{inner: s}
}

func (o *onceSink) Send(ctx context.Context, ev Event) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return o.inner.Send(ctx, ev)
}

func (o *onceSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return o.err
	}
	o.closed = true
	o.err = o.inner.Close()
	return o.err
}
