package client

import (
	"context"
	"fmt"

	"codeloop/internal/config"
	"codeloop/internal/logging"
	"codeloop/internal/robustness"
)

// NewFactory returns a Factory producing clients for the configured
// provider. All clients from one factory share a circuit breaker.
func NewFactory(cfg *config.Config) (Factory, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}

	breaker := robustness.NewCircuitBreaker(cfg.API.Breaker.Threshold, cfg.API.Breaker.ResetTimeout)
	retry := RetryConfig{
		MaxRetries: cfg.API.Retry.MaxRetries,
		RetryDelay: cfg.API.Retry.RetryDelay,
		MaxDelay:   DefaultRetryConfig().MaxDelay,
	}

	logging.Debug("creating client factory", "provider", cfg.API.Provider, "model", cfg.Model.Name)

	var newClient func(ctx context.Context) (Client, error)
	switch cfg.API.Provider {
	case "gemini":
		gc := GeminiConfig{
			APIKey:          cfg.API.GeminiKey,
			Model:           cfg.Model.Name,
			Temperature:     cfg.Model.Temperature,
			MaxOutputTokens: cfg.Model.MaxOutputTokens,
			Retry:           retry,
		}
		newClient = func(ctx context.Context) (Client, error) {
			return NewGeminiClient(ctx, gc, breaker)
		}
	case "ollama":
		oc := OllamaConfig{
			BaseURL:     cfg.API.OllamaBaseURL,
			APIKey:      cfg.API.OllamaKey,
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxOutputTokens,
			HTTPTimeout: cfg.API.Retry.HTTPTimeout,
			Retry:       retry,
		}
		newClient = func(ctx context.Context) (Client, error) {
			return NewOllamaClient(oc, breaker)
		}
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.API.Provider)
	}

	instruction := cfg.Model.SystemInstruction
	return func(ctx context.Context) (Client, error) {
		c, err := newClient(ctx)
		if err != nil {
			return nil, err
		}
		if instruction != "" {
			c.SetSystemInstruction(instruction)
		}
		return c, nil
	}, nil
}
