package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and passes the new
// config to onChange. The parent directory is watched so editors that
// replace the file by rename are seen too. Reload errors are logged and the
// previous config stays in effect. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	path = Path(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	logger.Info("watching config file for changes", slog.String("path", abs))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				logger.Debug("config watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				logger.Info("config file changed, reloading", slog.String("path", event.Name))
				cfg, err := Load(abs)
				if err != nil {
					logger.Error("failed to reload config",
						slog.String("error", err.Error()),
						slog.String("path", abs))
					continue
				}
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
