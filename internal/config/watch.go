package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sharkoder/sharkoder/internal/log"
)

// Watch observes the config file and invokes onChange with a freshly loaded
// snapshot whenever it is rewritten. Invalid snapshots are logged and
// dropped; the previous snapshot stays in effect.
//
// Editors and provisioning tools replace config files via rename, so the
// watch is on the parent directory and filtered by name.
func Watch(ctx context.Context, path string, onChange func(Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	logger := log.WithComponent("config")

	go func() {
		defer func() { _ = watcher.Close() }()

		// Debounce: editors fire several events per save.
		var pending *time.Timer
		fire := func() {
			snap, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Msg("config reload rejected, keeping previous snapshot")
				return
			}
			logger.Info().Msg("config reloaded")
			onChange(snap)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
