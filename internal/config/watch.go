package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce collapses the burst of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every
// configuration that loads and validates to onChange. Invalid files are
// logged and skipped. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so that atomic
// rename-on-save is picked up.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	logger.Debug().Str("path", abs).Msg("Watching config file")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(DefaultWatchDebounce)
			} else {
				timer.Reset(DefaultWatchDebounce)
			}
			pending = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Config watcher error")

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", abs).Msg("Ignoring invalid config change")
				continue
			}
			logger.Info().Str("path", abs).Msg("Config reloaded")
			onChange(cfg)
		}
	}
}
