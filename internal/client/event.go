package client

import (
	"google.golang.org/genai"
)

// EventKind identifies the variant carried by a StreamEvent.
type EventKind string

const (
	EventContent          EventKind = "content"
	EventToolCallRequest  EventKind = "tool_call_request"
	EventToolCallResponse EventKind = "tool_call_response"
	EventError            EventKind = "error"
	EventUserCancelled    EventKind = "user_cancelled"
	EventFinished         EventKind = "finished"
)

// StreamEvent is one item of a provider stream. Exactly one payload field
// matching Kind is set.
type StreamEvent struct {
	Kind EventKind

	// Text is the content delta for EventContent.
	Text string

	// ToolCall is set for EventToolCallRequest.
	ToolCall *ToolCallRequest

	// ToolResponse is set for EventToolCallResponse.
	ToolResponse *ToolCallResponse

	// Message is the provider error for EventError.
	Message string
}

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
}

// ToolCallResponse is the outcome of one executed ToolCallRequest.
type ToolCallResponse struct {
	CallID        string        `json:"call_id"`
	ResponseParts []*genai.Part `json:"response_parts,omitempty"`
	ResultDisplay any           `json:"result_display,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Text returns the concatenated text of the response parts.
func (r ToolCallResponse) Text() string {
	var s string
	for _, p := range r.ResponseParts {
		if p == nil {
			continue
		}
		if p.Text != "" {
			if s != "" {
				s += "\n"
			}
			s += p.Text
		}
	}
	return s
}

// ContentEvent returns a content delta event.
func ContentEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventContent, Text: text}
}

// ToolCallEvent returns a tool call request event.
func ToolCallEvent(req ToolCallRequest) StreamEvent {
	return StreamEvent{Kind: EventToolCallRequest, ToolCall: &req}
}

// ToolResponseEvent returns a provider-side tool response event.
func ToolResponseEvent(resp ToolCallResponse) StreamEvent {
	return StreamEvent{Kind: EventToolCallResponse, ToolResponse: &resp}
}

// ErrorEvent returns a stream error event.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Kind: EventError, Message: message}
}

// CancelledEvent returns a user cancellation event.
func CancelledEvent() StreamEvent {
	return StreamEvent{Kind: EventUserCancelled}
}

// FinishedEvent returns the normal end-of-stream event.
func FinishedEvent() StreamEvent {
	return StreamEvent{Kind: EventFinished}
}
