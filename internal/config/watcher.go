package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce absorbs the burst of events editors emit for a single save.
const reloadDebounce = 100 * time.Millisecond

// Watch monitors the config file and calls onChange with the freshly loaded
// configuration after every successful reload. Invalid files are logged and
// ignored so the running settings stay in effect.
//
// The parent directory is watched rather than the file itself because most
// editors replace the file on save.
func Watch(ctx context.Context, path string, logger logrus.FieldLogger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				cfg, err := Load(target)
				if err != nil {
					logger.WithError(err).Warn("Config reload failed, keeping current settings")
					continue
				}
				logger.WithField("file", target).Info("Config file changed, reloaded")
				if shadowed := ShadowedByEnv(); len(shadowed) > 0 {
					logger.WithField("env", shadowed).Warn("Environment overrides take precedence over the reloaded file")
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Error("Config watcher error")
			}
		}
	}()

	return nil
}
