package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay debounces bursts of filesystem events into one reload.
const reloadDelay = 500 * time.Millisecond

// Watch starts watching the given paths and reloads the configuration when
// a YAML file changes. Each successful reload invokes onReload with the new
// snapshot; a reload that fails validation keeps the previous snapshot and
// is logged. Watching stops when the context is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, onReload func(*Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			if err := watchDirectory(watcher, path); err != nil {
				l.logger.WithError(err).WithField("path", path).Warn("failed to watch directory")
			}
		} else if err := watcher.Add(path); err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("failed to watch file")
		}
	}

	go l.processEvents(ctx, watcher, paths, onReload)

	l.logger.WithField("paths", len(paths)).Info("watching configuration paths")
	return nil
}

func watchDirectory(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, onReload func(*Snapshot)) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}

			l.logger.WithField("file", event.Name).WithField("op", event.Op.String()).
				Debug("configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				snapshot, err := l.LoadPaths(paths...)
				if err != nil {
					l.logger.WithError(err).Error("configuration reload failed, keeping previous snapshot")
					return
				}
				onReload(snapshot)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Error("watcher error")
		}
	}
}
