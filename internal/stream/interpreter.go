// Package stream turns a provider event stream into the ordered
// conversation log.
//
// Text deltas are buffered and reported immediately through the handler;
// the buffer becomes a log entry only when a tool call interrupts it or the
// caller flushes at the end of the turn.
package stream

import (
	"context"
	"errors"
	"strings"

	"codeloop/internal/client"
	"codeloop/internal/logging"

	"github.com/google/uuid"
)

// ErrCancelled is returned when the user cancels the stream.
var ErrCancelled = errors.New("stream cancelled by user")

// ProviderError is a fatal error reported by the AI provider mid-stream.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return "provider error: " + e.Message
}

// Handler receives interpretation callbacks. Any field may be nil.
type Handler struct {
	// OnContent is called for every text delta as it arrives.
	OnContent func(delta string)

	// OnText is called when a buffered text segment is closed.
	OnText func(index int, text string)

	// OnToolCall is called for every tool call request.
	OnToolCall func(index int, call client.ToolCallRequest)

	// OnToolResult is called when the provider itself answers a tool call.
	OnToolResult func(index int, resp client.ToolCallResponse)
}

// Round is what one stream contributed.
type Round struct {
	// Pending holds the tool calls to execute, in arrival order.
	Pending []client.ToolCallRequest
	// Text is every delta of this round, concatenated.
	Text string
}

// Interpreter feeds provider events into a Log. One interpreter serves every
// round of a conversation turn. Text still buffered when a stream finishes
// stays buffered until the caller calls Flush.
type Interpreter struct {
	log     *Log
	handler Handler
	buf     strings.Builder
}

// NewInterpreter returns an interpreter appending to log.
func NewInterpreter(log *Log, handler Handler) *Interpreter {
	return &Interpreter{log: log, handler: handler}
}

// Log returns the conversation log.
func (in *Interpreter) Log() *Log {
	return in.log
}

// Buffered returns the text not yet flushed to the log.
func (in *Interpreter) Buffered() string {
	return in.buf.String()
}

// Flush closes the pending text segment, if any. It reports whether an
// entry was appended.
func (in *Interpreter) Flush() bool {
	if in.buf.Len() == 0 {
		return false
	}
	text := in.buf.String()
	in.buf.Reset()
	idx := in.log.AppendText(text)
	if in.handler.OnText != nil {
		in.handler.OnText(idx, text)
	}
	return true
}

// Run consumes events until the stream finishes, fails or is cancelled.
// On a provider error the buffer is left unflushed.
func (in *Interpreter) Run(ctx context.Context, events <-chan client.StreamEvent) (Round, error) {
	var round Round
	var text strings.Builder

	for {
		select {
		case <-ctx.Done():
			round.Text = text.String()
			return round, ErrCancelled

		case ev, ok := <-events:
			if !ok {
				round.Text = text.String()
				return round, nil
			}

			switch ev.Kind {
			case client.EventContent:
				if ev.Text == "" {
					continue
				}
				in.buf.WriteString(ev.Text)
				text.WriteString(ev.Text)
				if in.handler.OnContent != nil {
					in.handler.OnContent(ev.Text)
				}

			case client.EventToolCallRequest:
				if ev.ToolCall == nil {
					logging.Warn("tool call request without payload")
					continue
				}
				call := *ev.ToolCall
				if call.CallID == "" {
					call.CallID = "call_" + uuid.NewString()
				}
				in.Flush()
				idx := in.log.AppendToolCall(call)
				if in.handler.OnToolCall != nil {
					in.handler.OnToolCall(idx, call)
				}
				round.Pending = append(round.Pending, call)

			case client.EventToolCallResponse:
				if ev.ToolResponse == nil {
					continue
				}
				idx := in.log.SetResult(*ev.ToolResponse)
				if idx < 0 {
					logging.Warn("tool response for unknown call", "call_id", ev.ToolResponse.CallID)
					continue
				}
				if in.handler.OnToolResult != nil {
					in.handler.OnToolResult(idx, *ev.ToolResponse)
				}

			case client.EventError:
				round.Text = text.String()
				return round, &ProviderError{Message: ev.Message}

			case client.EventUserCancelled:
				round.Text = text.String()
				return round, ErrCancelled

			case client.EventFinished:
				round.Text = text.String()
				return round, nil

			default:
				logging.Debug("ignoring stream event", "kind", ev.Kind)
			}
		}
	}
}
