package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses bursts of file events into one reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watch invalidates dir whenever a protocol file under source's root changes,
// then calls onChange (if not nil). It blocks until ctx is done.
func Watch(ctx context.Context, dir *Directory, source *FileSource, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create protocol watcher: %w", err)
	}
	defer w.Close()

	root := source.Root()
	if err := w.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("list %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				slog.Warn("protocol.Watch: cannot watch project directory", "dir", e.Name(), "error", err)
			}
		}
	}
	slog.Info("protocol.Watch: watching protocol directory", "root", root)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if !isProtocolFile(ev.Name) && ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(DefaultWatchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(DefaultWatchDebounce)
			}
		case <-fire:
			slog.Info("protocol.Watch: protocol files changed, invalidating directory")
			dir.Invalidate()
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("protocol.Watch: watcher error", "error", err)
		}
	}
}
