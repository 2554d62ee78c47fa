package config

import "time"

// Default configuration values.
const (
	// Provider settings
	DefaultProvider      = "gemini"
	DefaultGeminiModel   = "gemini-2.5-flash"
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultMaxTokens     = 8192

	// Retry settings
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultHTTPTimeout = 120 * time.Second

	// Drain settings for foreground shell commands
	DefaultCommandTimeout   = 120 * time.Second
	DefaultIdleTimeout      = 10 * time.Second
	DefaultBackgroundWindow = 5 * time.Second

	// Orchestrator settings
	DefaultMaxRounds = 50

	// Server settings
	DefaultServerAddr      = "127.0.0.1:8420"
	DefaultShutdownTimeout = 10 * time.Second

	// Circuit breaker around AI stream opening
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second

	// Provider request rate limit
	DefaultRequestsPerMinute = 60
	DefaultRateLimitBurst    = 10

	// Audit settings
	DefaultAuditMaxResultLen = 1000

	// Config watch debounce
	DefaultWatchDebounce = 500 * time.Millisecond
)
