package watcher

import "time"

// Operation represents the type of file system operation.
type Operation int

const (
	OpModify Operation = iota
	OpDelete
)

// String returns the string representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Config holds file watcher configuration.
type Config struct {
	Debounce time.Duration
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{Debounce: 500 * time.Millisecond}
}

// FileChangeHandler is a callback for file change events.
type FileChangeHandler func(path string, op Operation)
