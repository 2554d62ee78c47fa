package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codeloop/internal/logging"
	"codeloop/internal/robustness"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	Retry           RetryConfig
	// StreamIdleTimeout fails a stream that delivers nothing for this long.
	StreamIdleTimeout time.Duration
}

// GeminiClient wraps the Google Gemini API.
type GeminiClient struct {
	conversation

	client      *genai.Client
	model       string
	config      *genai.GenerateContentConfig
	retry       RetryConfig
	breaker     *robustness.CircuitBreaker
	idleTimeout time.Duration

	// Gemini may omit function call IDs; synthesized IDs map back to the
	// provider's value (usually empty) when responses are sent.
	idMu    sync.Mutex
	callIDs map[string]string
}

// NewGeminiClient creates a new Gemini API client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, breaker *robustness.CircuitBreaker) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:     Ptr(cfg.Temperature),
		MaxOutputTokens: cfg.MaxOutputTokens,
	}

	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}

	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		config:      genConfig,
		retry:       cfg.Retry,
		breaker:     breaker,
		idleTimeout: cfg.StreamIdleTimeout,
		callIDs:     make(map[string]string),
	}, nil
}

// GetModel returns the model name.
func (c *GeminiClient) GetModel() string {
	return c.model
}

// Close closes the client connection.
func (c *GeminiClient) Close() error {
	// The genai client doesn't have an explicit close method
	return nil
}

// SendMessageStream sends parts as the next user turn and streams the reply.
func (c *GeminiClient) SendMessageStream(ctx context.Context, parts []*genai.Part, promptID string) (<-chan StreamEvent, error) {
	if len(parts) == 0 {
		return nil, errors.New("empty message")
	}

	contents := sanitizeContents(c.appendTurn(c.restoreCallIDs(parts)))

	tools, instruction := c.snapshot()
	config := *c.config
	if instruction != "" {
		config.SystemInstruction = genai.NewContentFromText(instruction, genai.RoleUser)
	}
	if len(tools) > 0 {
		config.Tools = tools
	}

	logging.Debug("gemini request", "model", c.model, "prompt_id", promptID, "contents", len(contents))

	out := make(chan StreamEvent, eventBuffer)
	go pump(ctx, "gemini", c.retry, c.breaker, out, func(ctx context.Context, em *emitter) error {
		return c.streamOnce(ctx, contents, &config, em)
	})
	return out, nil
}

// resetTimer safely resets a timer to a new duration.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// streamOnce performs a single streaming request attempt.
func (c *GeminiClient) streamOnce(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, em *emitter) error {
	iter := c.client.Models.GenerateContentStream(ctx, c.model, contents, config)

	type iterResult struct {
		resp *genai.GenerateContentResponse
		err  error
	}
	iterCh := make(chan iterResult)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(iterCh)
		for resp, err := range iter {
			select {
			case iterCh <- iterResult{resp, err}:
			case <-stop:
				return
			}
		}
	}()

	idleTimer := time.NewTimer(c.idleTimeout)
	defer idleTimer.Stop()

	var modelParts []*genai.Part
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idleTimer.C:
			logging.Warn("stream idle timeout exceeded", "timeout", c.idleTimeout)
			return fmt.Errorf("stream idle timeout: no data received for %v", c.idleTimeout)

		case result, ok := <-iterCh:
			if !ok {
				c.appendModel(modelParts)
				return nil
			}
			resetTimer(idleTimer, c.idleTimeout)

			if result.err != nil {
				return result.err
			}
			if result.resp == nil {
				continue
			}

			parts, events := c.processResponse(result.resp)
			modelParts = append(modelParts, parts...)
			for _, ev := range events {
				if !em.send(ev) {
					return ctx.Err()
				}
			}
		}
	}
}

// processResponse converts a Gemini response into history parts and events.
func (c *GeminiClient) processResponse(resp *genai.GenerateContentResponse) ([]*genai.Part, []StreamEvent) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, nil
	}

	var parts []*genai.Part
	var events []StreamEvent
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		parts = append(parts, part)

		if part.Text != "" {
			events = append(events, ContentEvent(part.Text))
		}
		if fc := part.FunctionCall; fc != nil {
			events = append(events, ToolCallEvent(ToolCallRequest{
				CallID: c.assignCallID(fc.ID),
				Name:   fc.Name,
				Args:   fc.Args,
			}))
		}
	}
	return parts, events
}

// assignCallID returns a conversation-unique call ID for a provider ID.
func (c *GeminiClient) assignCallID(providerID string) string {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	if providerID != "" {
		if _, taken := c.callIDs[providerID]; !taken {
			c.callIDs[providerID] = providerID
			return providerID
		}
	}
	id := "call_" + uuid.NewString()
	c.callIDs[id] = providerID
	return id
}

// restoreCallIDs rewrites function response IDs back to the provider's IDs.
func (c *GeminiClient) restoreCallIDs(parts []*genai.Part) []*genai.Part {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if p == nil || p.FunctionResponse == nil {
			out = append(out, p)
			continue
		}
		orig, ok := c.callIDs[p.FunctionResponse.ID]
		if !ok || orig == p.FunctionResponse.ID {
			out = append(out, p)
			continue
		}
		fr := *p.FunctionResponse
		fr.ID = orig
		np := *p
		np.FunctionResponse = &fr
		out = append(out, &np)
	}
	return out
}

// sanitizeContents ensures each Content has at least one valid part.
func sanitizeContents(contents []*genai.Content) []*genai.Content {
	var result []*genai.Content

	for _, content := range contents {
		if content == nil {
			continue
		}

		var validParts []*genai.Part
		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil || part.FunctionResponse != nil || part.Text != "" || part.InlineData != nil {
				validParts = append(validParts, part)
			}
		}

		if len(validParts) == 0 {
			validParts = []*genai.Part{genai.NewPartFromText(" ")}
		}

		result = append(result, &genai.Content{
			Role:  content.Role,
			Parts: validParts,
		})
	}

	if len(result) == 0 {
		result = []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{genai.NewPartFromText(" ")},
		}}
	}

	return result
}
