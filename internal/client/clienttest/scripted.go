// Package clienttest provides a scripted client.Client for tests.
package clienttest

import (
	"context"
	"errors"
	"sync"

	"codeloop/internal/client"

	"google.golang.org/genai"
)

// ErrScriptExhausted is returned when more messages are sent than scripted.
var ErrScriptExhausted = errors.New("clienttest: no scripted round left")

// Round is the scripted reply to one SendMessageStream call.
type Round struct {
	Events []client.StreamEvent
	// WaitForCancel holds the stream open after Events until the context
	// ends, then delivers user_cancelled.
	WaitForCancel bool
	// Err makes SendMessageStream itself fail.
	Err error
}

// Events returns a Round replaying evs.
func Events(evs ...client.StreamEvent) Round {
	return Round{Events: evs}
}

// ScriptedClient replays one Round per SendMessageStream call and records
// what it was sent.
type ScriptedClient struct {
	mu          sync.Mutex
	rounds      []Round
	sent        [][]*genai.Part
	history     []*genai.Content
	tools       []*genai.Tool
	instruction string
	closed      bool
}

// New returns a client replaying rounds in order.
func New(rounds ...Round) *ScriptedClient {
	return &ScriptedClient{rounds: rounds}
}

// Factory returns a client.Factory that always hands out c.
func (c *ScriptedClient) Factory() client.Factory {
	return func(context.Context) (client.Client, error) {
		return c, nil
	}
}

func (c *ScriptedClient) SendMessageStream(ctx context.Context, parts []*genai.Part, promptID string) (<-chan client.StreamEvent, error) {
	c.mu.Lock()
	c.sent = append(c.sent, parts)
	if len(c.rounds) == 0 {
		c.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	r := c.rounds[0]
	c.rounds = c.rounds[1:]
	c.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}

	out := make(chan client.StreamEvent, len(r.Events)+1)
	go func() {
		defer close(out)
		for _, ev := range r.Events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if r.WaitForCancel {
			<-ctx.Done()
			out <- client.CancelledEvent()
		}
	}()
	return out, nil
}

// Sent returns the parts of every SendMessageStream call so far.
func (c *ScriptedClient) Sent() [][]*genai.Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]*genai.Part(nil), c.sent...)
}

func (c *ScriptedClient) SetHistory(history []*genai.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append([]*genai.Content(nil), history...)
}

func (c *ScriptedClient) History() []*genai.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*genai.Content(nil), c.history...)
}

func (c *ScriptedClient) SetTools(tools []*genai.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// Tools returns the tools last passed to SetTools.
func (c *ScriptedClient) Tools() []*genai.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

func (c *ScriptedClient) SetSystemInstruction(instruction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruction = instruction
}

func (c *ScriptedClient) GetModel() string { return "scripted" }

func (c *ScriptedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *ScriptedClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
