package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long Watch waits after the last event on the file before
// reloading, so a truncate followed by a write reloads once.
const settle = 100 * time.Millisecond

// Watch monitors path and installs every successfully reloaded Config into h.
// onChange, when non-nil, is called after each install. It runs until ctx is
// cancelled.
//
// The parent directory is watched rather than the file, so editors that save
// by writing a temp file and renaming it over path are seen. A reload that
// fails to parse or validate is logged and the previous snapshot stays
// active.
func Watch(ctx context.Context, path string, h *Holder, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	slog.Info("config: watching for changes", "path", path)

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				timer.Reset(settle)
			}

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}
			h.Set(cfg)
			cur := h.Current()
			slog.Info("config: reloaded", "path", path, "revision", cur.Revision, "version", cur.Version)
			if onChange != nil {
				onChange(cur)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
