package stream

import (
	"strings"
	"sync"

	"codeloop/internal/client"
)

// EventKind identifies a conversation log entry.
type EventKind string

const (
	EventText     EventKind = "text"
	EventToolCall EventKind = "tool_call"
)

// Event is one entry of the conversation log: a closed text segment or a
// tool call with its result once known.
type Event struct {
	Kind     EventKind                `json:"kind"`
	Text     string                   `json:"text,omitempty"`
	ToolCall *client.ToolCallRequest  `json:"tool_call,omitempty"`
	Result   *client.ToolCallResponse `json:"result,omitempty"`
}

// Log is the ordered record of everything the model produced in one
// conversation turn, across continuation rounds.
type Log struct {
	mu     sync.RWMutex
	events []Event
	calls  map[string]int
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{calls: make(map[string]int)}
}

// AppendText appends a text segment and returns its index.
func (l *Log) AppendText(text string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Kind: EventText, Text: text})
	return len(l.events) - 1
}

// AppendToolCall appends a tool call and returns its index.
func (l *Log) AppendToolCall(call client.ToolCallRequest) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Kind: EventToolCall, ToolCall: &call})
	idx := len(l.events) - 1
	l.calls[call.CallID] = idx
	return idx
}

// SetResult attaches resp to the tool call it answers. It returns the entry
// index, or -1 if no call with that ID is logged.
func (l *Log) SetResult(resp client.ToolCallResponse) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.calls[resp.CallID]
	if !ok {
		return -1
	}
	l.events[idx].Result = &resp
	return idx
}

// Events returns a copy of the log.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.events...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Text returns the concatenation of all text segments in order.
func (l *Log) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var b strings.Builder
	for _, ev := range l.events {
		if ev.Kind == EventText {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

// Replay calls fn for every entry in log order.
func (l *Log) Replay(fn func(index int, ev Event)) {
	for i, ev := range l.Events() {
		fn(i, ev)
	}
}
