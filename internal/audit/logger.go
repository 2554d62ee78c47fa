package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"codeloop/internal/security"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger appends audit entries as JSON lines to a rotating file and keeps
// the most recent entries in memory for queries.
type Logger struct {
	out          io.WriteCloser
	redactor     *security.SecretRedactor
	maxEntries   int
	maxResultLen int
	enabled      bool

	mu      sync.RWMutex
	entries []*Entry
}

// Config holds audit logger configuration.
type Config struct {
	Enabled      bool
	Dir          string
	MaxEntries   int
	MaxResultLen int
	MaxSizeMB    int
	MaxBackups   int
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxEntries:   1000,
		MaxResultLen: 1000,
		MaxSizeMB:    50,
		MaxBackups:   5,
	}
}

// NewLogger creates a logger writing to cfg.Dir/tools.jsonl. A disabled
// config yields a logger that drops everything.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{enabled: false}, nil
	}
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = def.MaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = def.MaxBackups
	}

	// Use 0700 to restrict access to owner only (contains sensitive data)
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	out := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "tools.jsonl"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	return newLogger(out, cfg), nil
}

func newLogger(out io.WriteCloser, cfg Config) *Logger {
	return &Logger{
		out:          out,
		redactor:     security.NewSecretRedactor(),
		maxEntries:   cfg.MaxEntries,
		maxResultLen: cfg.MaxResultLen,
		enabled:      true,
	}
}

// Log records entry after sanitizing args and truncating the result.
func (l *Logger) Log(entry *Entry) error {
	if l == nil || !l.enabled || entry == nil {
		return nil
	}

	entry.Args = l.redactor.RedactMap(SanitizeArgs(entry.Args))
	entry.Result = TruncateResult(l.redactor.Redact(entry.Result), l.maxResultLen)
	entry.Error = l.redactor.Redact(entry.Error)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}

	if _, err := l.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Query retrieves in-memory entries matching the filter, oldest first.
func (l *Logger) Query(filter QueryFilter) []*Entry {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []*Entry
	for _, entry := range l.entries {
		if entry.Matches(filter) {
			results = append(results, entry)
			if filter.Limit > 0 && len(results) >= filter.Limit {
				break
			}
		}
	}
	return results
}

// Len returns the number of in-memory entries.
func (l *Logger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil || !l.enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
