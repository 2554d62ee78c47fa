package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeloop/internal/logging"
	"codeloop/internal/robustness"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"google.golang.org/genai"
)

// OllamaConfig holds configuration for Ollama API client.
type OllamaConfig struct {
	BaseURL     string        // Default: "http://localhost:11434"
	APIKey      string        // Optional, for remote Ollama servers with auth
	Model       string        // e.g., "llama3.2", "qwen2.5-coder"
	Temperature float32       // Temperature for generation
	MaxTokens   int32         // Max output tokens
	HTTPTimeout time.Duration // HTTP request timeout (default: 120s)
	Retry       RetryConfig
}

// chatFunc is the subset of api.Client used for streaming chats.
type chatFunc func(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error

// OllamaClient implements Client for the Ollama chat API.
type OllamaClient struct {
	conversation

	chat    chatFunc
	config  OllamaConfig
	breaker *robustness.CircuitBreaker
}

// authTransport adds Authorization header to HTTP requests.
type authTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())
	reqClone.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(reqClone)
}

// NewOllamaClient creates a new Ollama API client.
func NewOllamaClient(config OllamaConfig, breaker *robustness.CircuitBreaker) (*OllamaClient, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 8192
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 120 * time.Second
	}

	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}

	if baseURL.Scheme == "http" {
		host := baseURL.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			logging.Warn("Ollama connection uses unencrypted HTTP to remote host",
				"host", host,
				"recommendation", "use HTTPS for remote Ollama servers")
		}
	}

	httpClient := &http.Client{Timeout: config.HTTPTimeout}
	if config.APIKey != "" {
		httpClient.Transport = &authTransport{
			base:   http.DefaultTransport,
			apiKey: config.APIKey,
		}
	}

	return &OllamaClient{
		chat:    api.NewClient(baseURL, httpClient).Chat,
		config:  config,
		breaker: breaker,
	}, nil
}

// GetModel returns the model name.
func (c *OllamaClient) GetModel() string {
	return c.config.Model
}

// Close closes the client connection.
func (c *OllamaClient) Close() error {
	// Ollama client doesn't require explicit close
	return nil
}

// SendMessageStream sends parts as the next user turn and streams the reply.
func (c *OllamaClient) SendMessageStream(ctx context.Context, parts []*genai.Part, promptID string) (<-chan StreamEvent, error) {
	if len(parts) == 0 {
		return nil, errors.New("empty message")
	}

	contents := c.appendTurn(parts)
	tools, instruction := c.snapshot()

	req := &api.ChatRequest{
		Model:    c.config.Model,
		Messages: convertHistoryToMessages(instruction, contents),
		Stream:   Ptr(true),
		Options: map[string]interface{}{
			"num_predict": c.config.MaxTokens,
		},
	}
	if c.config.Temperature > 0 {
		req.Options["temperature"] = c.config.Temperature
	}
	if len(tools) > 0 {
		req.Tools = convertToolsToOllama(tools)
	}

	logging.Debug("ollama request", "model", c.config.Model, "prompt_id", promptID, "messages", len(req.Messages))

	out := make(chan StreamEvent, eventBuffer)
	go pump(ctx, "ollama", c.config.Retry, c.breaker, out, func(ctx context.Context, em *emitter) error {
		return c.streamOnce(ctx, req, em)
	})
	return out, nil
}

// streamOnce performs a single streaming chat request.
func (c *OllamaClient) streamOnce(ctx context.Context, req *api.ChatRequest, em *emitter) error {
	var modelParts []*genai.Part
	var text strings.Builder

	err := c.chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			text.WriteString(resp.Message.Content)
			if !em.send(ContentEvent(resp.Message.Content)) {
				return ctx.Err()
			}
		}

		for _, tc := range resp.Message.ToolCalls {
			fc := convertOllamaToolCallToGenai(tc)
			modelParts = append(modelParts, &genai.Part{FunctionCall: fc})
			if !em.send(ToolCallEvent(ToolCallRequest{CallID: fc.ID, Name: fc.Name, Args: fc.Args})) {
				return ctx.Err()
			}
		}
		return nil
	})
	if err != nil {
		return c.wrapOllamaError(err)
	}

	if text.Len() > 0 {
		modelParts = append([]*genai.Part{genai.NewPartFromText(text.String())}, modelParts...)
	}
	c.appendModel(modelParts)
	return nil
}

// convertHistoryToMessages converts Gemini history to Ollama messages format.
// Function responses become separate "tool" role messages.
func convertHistoryToMessages(instruction string, history []*genai.Content) []api.Message {
	messages := make([]api.Message, 0, len(history)+1)
	if instruction != "" {
		messages = append(messages, api.Message{Role: "system", Content: instruction})
	}

	for _, content := range history {
		if content == nil {
			continue
		}

		msg := api.Message{}
		switch content.Role {
		case genai.RoleUser:
			msg.Role = "user"
		case genai.RoleModel:
			msg.Role = "assistant"
		default:
			msg.Role = string(content.Role)
		}

		var textParts []string
		var toolMessages []api.Message
		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, convertGenaiToolCallToOllama(part.FunctionCall))
			}
			if fr := part.FunctionResponse; fr != nil {
				toolMessages = append(toolMessages, api.Message{
					Role:       "tool",
					Content:    functionResponseText(fr),
					ToolName:   fr.Name,
					ToolCallID: fr.ID,
				})
			}
		}

		msg.Content = strings.Join(textParts, "\n")
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			messages = append(messages, msg)
		}
		messages = append(messages, toolMessages...)
	}

	return messages
}

// functionResponseText flattens a function response payload to text. An
// error leads the text and any output follows it.
func functionResponseText(fr *genai.FunctionResponse) string {
	var contentStr string
	if fr.Response != nil {
		errStr, _ := fr.Response["error"].(string)
		if val, ok := fr.Response["output"].(string); ok {
			contentStr = val
		} else if val, ok := fr.Response["content"].(string); ok {
			contentStr = val
		} else if len(fr.Response) > 0 && errStr == "" {
			if jsonBytes, err := json.Marshal(fr.Response); err == nil {
				contentStr = string(jsonBytes)
			}
		}
		if errStr != "" {
			if contentStr == "" {
				contentStr = "Error: " + errStr
			} else {
				contentStr = "Error: " + errStr + "\n\n" + contentStr
			}
		}
	}
	if contentStr == "" {
		contentStr = "Operation completed"
	}
	return contentStr
}

// convertToolsToOllama converts genai.Tool to Ollama api.Tool format.
func convertToolsToOllama(genaiTools []*genai.Tool) []api.Tool {
	tools := make([]api.Tool, 0)

	for _, tool := range genaiTools {
		if tool == nil {
			continue
		}
		for _, decl := range tool.FunctionDeclarations {
			params := api.ToolFunctionParameters{
				Type:       "object",
				Properties: api.NewToolPropertiesMap(),
			}

			if decl.Parameters != nil {
				if len(decl.Parameters.Required) > 0 {
					params.Required = decl.Parameters.Required
				}

				for name, propSchema := range decl.Parameters.Properties {
					prop := api.ToolProperty{
						Description: propSchema.Description,
					}
					if propSchema.Type != "" {
						prop.Type = api.PropertyType{strings.ToLower(string(propSchema.Type))}
					}
					if len(propSchema.Enum) > 0 {
						enumVals := make([]any, len(propSchema.Enum))
						for i, v := range propSchema.Enum {
							enumVals[i] = v
						}
						prop.Enum = enumVals
					}
					params.Properties.Set(name, prop)
				}
			}

			tools = append(tools, api.Tool{
				Type: "function",
				Function: api.ToolFunction{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  params,
				},
			})
		}
	}

	return tools
}

// convertOllamaToolCallToGenai converts an Ollama tool call to a
// genai.FunctionCall, synthesizing a unique ID when Ollama sends none.
func convertOllamaToolCallToGenai(tc api.ToolCall) *genai.FunctionCall {
	id := tc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return &genai.FunctionCall{
		ID:   id,
		Name: tc.Function.Name,
		Args: tc.Function.Arguments.ToMap(),
	}
}

// convertGenaiToolCallToOllama converts genai.FunctionCall to Ollama api.ToolCall.
func convertGenaiToolCallToOllama(fc *genai.FunctionCall) api.ToolCall {
	args := api.NewToolCallFunctionArguments()
	for k, v := range fc.Args {
		args.Set(k, v)
	}
	return api.ToolCall{
		ID: fc.ID,
		Function: api.ToolCallFunction{
			Name:      fc.Name,
			Arguments: args,
		},
	}
}

// wrapOllamaError wraps Ollama errors with user-friendly messages.
func (c *OllamaClient) wrapOllamaError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") {
		return fmt.Errorf("ollama server is not running at %s: %w", c.config.BaseURL, err)
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("model '%s' is not installed (run: ollama pull %s): %w", c.config.Model, c.config.Model, err)
	}

	if strings.Contains(errStr, "model") && strings.Contains(errStr, "not found") {
		return fmt.Errorf("model '%s' is not installed (run: ollama pull %s): %w", c.config.Model, c.config.Model, err)
	}

	return err
}
