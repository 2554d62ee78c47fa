package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codeloop/internal/logging"
)

// Watcher reports debounced changes to a set of files. The parent
// directories are watched so that editors replacing a file by rename are seen.
type Watcher struct {
	fsWatcher    *fsnotify.Watcher
	files        map[string]bool
	debounce     time.Duration
	onFileChange FileChangeHandler
	pending      map[string]time.Time
	mu           sync.Mutex
	done         chan struct{}
	running      bool
	stopOnce     sync.Once
}

// NewWatcher creates a watcher for the given files.
func NewWatcher(files []string, cfg Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		files:     make(map[string]bool, len(files)),
		debounce:  debounce,
		pending:   make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			w.files[filepath.Clean(abs)] = true
		}
	}
	return w, nil
}

// SetOnFileChange sets the callback for file change events.
func (w *Watcher) SetOnFileChange(handler FileChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFileChange = handler
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
	}

	go w.processEvents()
	go w.processDebounce()

	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.stopOnce.Do(func() {
		close(w.done)
	})
	return w.fsWatcher.Close()
}

// processEvents processes raw fsnotify events.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logging.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !w.files[path] {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// processDebounce processes debounced events.
func (w *Watcher) processDebounce() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending sends events for paths that have been stable.
func (w *Watcher) flushPending() {
	w.mu.Lock()
	handler := w.onFileChange
	if handler == nil || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	now := time.Now()
	toSend := make([]string, 0)
	for path, eventTime := range w.pending {
		if now.Sub(eventTime) >= w.debounce {
			toSend = append(toSend, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range toSend {
		op := OpModify
		if _, err := os.Stat(path); os.IsNotExist(err) {
			op = OpDelete
		}
		handler(path, op)
	}
}

// IsRunning returns whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
