package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/m4xw311/acpclient/errors"
)

const debounceInterval = 300 * time.Millisecond

// Watch reloads the configuration from paths whenever one of them is
// written, created, renamed or removed, and passes the result to onChange.
// Bursts of events are coalesced. A file that fails to load is logged and
// the previous configuration stays in effect.
//
// The parent directories are watched rather than the files themselves so
// files that do not exist yet, or are replaced by rename, are still seen.
// Watch returns once watching has started; it stops when ctx is done.
func Watch(ctx context.Context, paths []string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrapf(err, "create config watcher")
	}

	watched := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.Close()
			return errors.Wrapf(err, "resolve %s", p)
		}
		watched[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			logger.Debug("config directory does not exist, not watching", "dir", dir)
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return errors.Wrapf(err, "watch %s", dir)
		}
		dirs[dir] = true
	}

	go watchLoop(ctx, w, paths, watched, logger, onChange)
	return nil
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, watched map[string]bool, logger *slog.Logger, onChange func(*Config)) {
	defer w.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(paths...)
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			return
		}
		logger.Info("config reloaded")
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			logger.Debug("config changed", "file", event.Name, "op", event.Op.String())

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, reload)
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
