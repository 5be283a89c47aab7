package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/labstack/gommon/log"
)

// Watch reloads the file at path whenever it is written or replaced and
// passes every valid result to apply. Invalid files are logged and ignored.
// It returns when ctx is done.
func Watch(ctx context.Context, path string, logger *log.Logger, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating config watcher: %w", err)
	}
	defer w.Close()

	// editors often replace the file, so watch the directory
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("error resolving config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("error watching config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != abs || !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warnf("config reload failed, keeping current settings: %v", err)
				continue
			}
			logger.Infof("config reloaded from %s", path)
			apply(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config watcher: %v", err)
		}
	}
}
