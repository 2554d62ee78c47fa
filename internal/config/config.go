package config

import "time"

// Config represents the main application configuration.
type Config struct {
	API          APIConfig          `yaml:"api"`
	Model        ModelConfig        `yaml:"model"`
	Drain        DrainConfig        `yaml:"drain"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Store        StoreConfig        `yaml:"store"`
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Audit        AuditConfig        `yaml:"audit"`

	// Runtime version information
	Version string `yaml:"-"`
}

// APIConfig holds AI provider settings.
type APIConfig struct {
	// Active provider: gemini or ollama (default: gemini)
	Provider string `yaml:"provider"`

	GeminiKey     string `yaml:"gemini_key,omitempty"`
	OllamaKey     string `yaml:"ollama_key,omitempty"` // Optional, for remote Ollama servers with auth
	OllamaBaseURL string `yaml:"ollama_base_url,omitempty"`

	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RetryConfig holds retry settings for API calls.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// BreakerConfig holds circuit breaker settings for opening AI streams.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig throttles requests to the AI provider. Zero
// requests_per_minute disables the limiter.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ModelConfig holds model-related settings.
type ModelConfig struct {
	Name              string  `yaml:"name"`
	Temperature       float32 `yaml:"temperature"`
	MaxOutputTokens   int32   `yaml:"max_output_tokens"`
	SystemInstruction string  `yaml:"system_instruction,omitempty"`
}

// DrainConfig bounds shell command output collection.
type DrainConfig struct {
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	BackgroundWindow time.Duration `yaml:"background_window"`
}

// SandboxConfig selects where tool calls run.
type SandboxConfig struct {
	// Backend: local or ssh (default: local)
	Backend string `yaml:"backend"`
	// RootDir holds one workspace directory per project.
	RootDir string    `yaml:"root_dir"`
	SSH     SSHConfig `yaml:"ssh"`
	// BlockedCommands are extra substrings rejected by the shell tool.
	BlockedCommands []string `yaml:"blocked_commands"`
}

// SSHConfig describes the remote sandbox host.
type SSHConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	// KnownHostsPath verifies the host key when set; otherwise any key is accepted.
	KnownHostsPath string        `yaml:"known_hosts_path"`
	RootDir        string        `yaml:"root_dir"`
	Timeout        time.Duration `yaml:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver: sqlite or memory (default: sqlite)
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OrchestratorConfig holds conversation loop settings.
type OrchestratorConfig struct {
	MaxRounds int `yaml:"max_rounds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"` // Empty means stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	MaxResultLen int    `yaml:"max_result_len"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		API: APIConfig{
			Provider:      DefaultProvider,
			OllamaBaseURL: DefaultOllamaBaseURL,
			Retry: RetryConfig{
				MaxRetries:  DefaultMaxRetries,
				RetryDelay:  DefaultRetryDelay,
				HTTPTimeout: DefaultHTTPTimeout,
			},
			Breaker: BreakerConfig{
				Threshold:    DefaultBreakerThreshold,
				ResetTimeout: DefaultBreakerReset,
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: DefaultRequestsPerMinute,
				Burst:             DefaultRateLimitBurst,
			},
		},
		Model: ModelConfig{
			Name:            DefaultGeminiModel,
			Temperature:     1.0,
			MaxOutputTokens: DefaultMaxTokens,
		},
		Drain: DrainConfig{
			CommandTimeout:   DefaultCommandTimeout,
			IdleTimeout:      DefaultIdleTimeout,
			BackgroundWindow: DefaultBackgroundWindow,
		},
		Sandbox: SandboxConfig{
			Backend: "local",
			RootDir: dataDir + "/workspaces",
			SSH: SSHConfig{
				Port:    22,
				RootDir: "/srv/codeloop",
				Timeout: 30 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   dataDir + "/codeloop.db",
		},
		Server: ServerConfig{
			Addr:            DefaultServerAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Orchestrator: OrchestratorConfig{
			MaxRounds: DefaultMaxRounds,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Audit: AuditConfig{
			Enabled:      true,
			Dir:          dataDir + "/audit",
			MaxResultLen: DefaultAuditMaxResultLen,
		},
	}
}
