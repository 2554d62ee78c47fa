package client

import (
	"context"
	"sync"

	"google.golang.org/genai"
)

// Client is a provider-agnostic AI client scoped to one conversation.
type Client interface {
	// SendMessageStream sends parts as the next user turn and streams the
	// model's reply. The returned channel is closed after a terminal event
	// (finished, error or user_cancelled).
	SendMessageStream(ctx context.Context, parts []*genai.Part, promptID string) (<-chan StreamEvent, error)

	// SetHistory replaces the conversation history sent with each request.
	SetHistory(history []*genai.Content)

	// History returns a copy of the current conversation history.
	History() []*genai.Content

	// SetTools sets the tools available for the model to use.
	SetTools(tools []*genai.Tool)

	// SetSystemInstruction sets the system-level instruction for the model.
	SetSystemInstruction(instruction string)

	// GetModel returns the model name.
	GetModel() string

	// Close releases the client.
	Close() error
}

// Factory creates a fresh Client for one conversation.
type Factory func(ctx context.Context) (Client, error)

// eventBuffer is the channel capacity for provider streams.
const eventBuffer = 16

// conversation holds the state shared by all provider clients: history,
// tools and the system instruction.
type conversation struct {
	mu                sync.RWMutex
	history           []*genai.Content
	tools             []*genai.Tool
	systemInstruction string
}

func (c *conversation) SetHistory(history []*genai.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append([]*genai.Content(nil), history...)
}

func (c *conversation) History() []*genai.Content {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*genai.Content(nil), c.history...)
}

func (c *conversation) SetTools(tools []*genai.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

func (c *conversation) SetSystemInstruction(instruction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemInstruction = instruction
}

// appendTurn appends the user turn and returns the contents to send.
func (c *conversation) appendTurn(parts []*genai.Part) []*genai.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, &genai.Content{Role: genai.RoleUser, Parts: parts})
	return append([]*genai.Content(nil), c.history...)
}

// appendModel records the model's reply for the next turn.
func (c *conversation) appendModel(parts []*genai.Part) {
	if len(parts) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, &genai.Content{Role: genai.RoleModel, Parts: parts})
}

func (c *conversation) snapshot() ([]*genai.Tool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools, c.systemInstruction
}

// emitter delivers events to a stream consumer without leaking the
// producing goroutine when the consumer goes away.
type emitter struct {
	ctx    context.Context
	out    chan<- StreamEvent
	events int
}

// send delivers ev, returning false if the context ended first.
func (e *emitter) send(ev StreamEvent) bool {
	select {
	case e.out <- ev:
		e.events++
		return true
	case <-e.ctx.Done():
		return false
	}
}

// cancelled delivers a best-effort user_cancelled event.
func (e *emitter) cancelled() {
	select {
	case e.out <- CancelledEvent():
	default:
	}
}

// emitted reports whether any event reached the consumer.
func (e *emitter) emitted() bool {
	return e.events > 0
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
