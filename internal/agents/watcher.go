package agents

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/aatumaykin/nexrun/internal/logger"
)

// WatchConfig calls onChange whenever the file at path is written, created or
// replaced. The parent directory is watched so editors that save by rename are
// seen too. It blocks until ctx is done.
func WatchConfig(ctx context.Context, path string, onChange func(), log *logger.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	log = log.Component("config-watcher")
	log.Info("watching agent schedule config", logger.Field{Key: "path", Value: target})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				log.Debug("agent schedule config changed", logger.Field{Key: "op", Value: event.Op.String()})
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("fsnotify error", err)
		}
	}
}
