package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the path of every report that appears in dir until ctx
// is done. Each path is reported once. The directory is created if missing.
func Watch(ctx context.Context, dir string, fn func(path string)) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic writes land as a create (rename into place).
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !IsReportFile(name) || seen[event.Name] {
				continue
			}
			seen[event.Name] = true
			fn(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
}
