package config

import (
	"codeloop/internal/logging"
	"codeloop/internal/watcher"
)

// Watch reloads the config file at path whenever it changes and passes the
// new configuration to onChange. A file that fails to load or validate is
// logged and skipped. Call the returned function to stop watching.
func Watch(path string, onChange func(*Config)) (func() error, error) {
	if path == "" {
		path = getConfigPath()
	}
	w, err := watcher.NewWatcher([]string{path}, watcher.Config{Debounce: DefaultWatchDebounce})
	if err != nil {
		return nil, err
	}
	w.SetOnFileChange(func(changed string, op watcher.Operation) {
		if op == watcher.OpDelete {
			logging.Warn("config file removed, keeping current configuration", "path", changed)
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logging.Warn("config reload failed", "path", changed, "error", err)
			return
		}
		logging.Info("config reloaded", "path", changed)
		onChange(cfg)
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return nil, err
	}
	return w.Stop, nil
}
