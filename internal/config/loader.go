package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from defaults, the config file and environment
// variables, in that order. An empty path selects the default location.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = getConfigPath()
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			// Config file is optional
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfigPath returns the path to the config file.
func getConfigPath() string {
	if p := os.Getenv("CODELOOP_CONFIG"); p != "" {
		return p
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "codeloop", "config.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "codeloop", "config.yaml")
}

// GetConfigPath returns the path to the config file.
func GetConfigPath() string {
	return getConfigPath()
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "codeloop")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "codeloop")
	}
	return filepath.Join(homeDir, ".local", "share", "codeloop")
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Expand environment variables in the config file
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) {
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		cfg.API.GeminiKey = apiKey
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.API.OllamaBaseURL = host
	}
	if provider := os.Getenv("CODELOOP_PROVIDER"); provider != "" {
		cfg.API.Provider = provider
	}
	if model := os.Getenv("CODELOOP_MODEL"); model != "" {
		cfg.Model.Name = model
	}
	if addr := os.Getenv("CODELOOP_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if root := os.Getenv("CODELOOP_SANDBOX_ROOT"); root != "" {
		cfg.Sandbox.RootDir = root
	}
	if path := os.Getenv("CODELOOP_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if level := os.Getenv("CODELOOP_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if ms := os.Getenv("CODELOOP_COMMAND_TIMEOUT_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			cfg.Drain.CommandTimeout = time.Duration(n) * time.Millisecond
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.API.Provider {
	case "gemini", "ollama":
	default:
		return ConfigError(fmt.Sprintf("unknown provider %q: expected gemini or ollama", c.API.Provider))
	}
	switch c.Sandbox.Backend {
	case "local":
		if c.Sandbox.RootDir == "" {
			return ConfigError("sandbox.root_dir is required for the local backend")
		}
	case "ssh":
		if c.Sandbox.SSH.Host == "" || c.Sandbox.SSH.User == "" {
			return ConfigError("sandbox.ssh.host and sandbox.ssh.user are required for the ssh backend")
		}
	default:
		return ConfigError(fmt.Sprintf("unknown sandbox backend %q", c.Sandbox.Backend))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return ConfigError("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return ConfigError(fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if c.Drain.CommandTimeout <= 0 || c.Drain.IdleTimeout <= 0 || c.Drain.BackgroundWindow <= 0 {
		return ConfigError("drain timeouts must be positive")
	}
	if c.Orchestrator.MaxRounds <= 0 {
		return ConfigError("orchestrator.max_rounds must be positive")
	}
	return nil
}

// RequireCredentials reports a missing API key for providers that need one.
func (c *Config) RequireCredentials() error {
	if c.API.Provider == "gemini" && c.API.GeminiKey == "" {
		return ErrMissingAuth
	}
	return nil
}

// ConfigError is a configuration validation error.
type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

const (
	ErrMissingAuth ConfigError = "missing authentication: set GEMINI_API_KEY or api.gemini_key"
)
