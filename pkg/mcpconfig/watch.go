package mcpconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls onChange with the reloaded file each time path is written,
// created, or renamed into place. Bursts of events are coalesced. A file that
// fails to load is reported through onChange's error and the watch goes on.
// Watch blocks until ctx is cancelled and returns ctx.Err().
//
// The parent directory is watched rather than the file itself so editors
// that replace the file atomically keep triggering reloads.
func Watch(ctx context.Context, path string, onChange func(*File, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		mu       sync.Mutex
		timer    *time.Timer
		reloadMu sync.Mutex
	)
	reload := func() {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		onChange(Load(abs))
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return ctx.Err()
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, reload)
			} else {
				timer.Reset(watchDebounce)
			}
			mu.Unlock()

		case werr, ok := <-watcher.Errors:
			if !ok {
				return ctx.Err()
			}
			onChange(nil, fmt.Errorf("watch %s: %w", abs, werr))
		}
	}
}
