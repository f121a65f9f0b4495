package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DoneFileName is the well-known file a worker creates in its status dir to
// signal that the current task is finished while the process stays alive in
// a standby loop.
const DoneFileName = "done"

// WatchDone reports on the returned channel when the done file appears in
// statusDir. The channel fires at most once. Detection uses fsnotify with a
// polling fallback so a missed event cannot wedge a standby worker's task.
func WatchDone(ctx context.Context, statusDir string) (<-chan struct{}, error) {
	out := make(chan struct{}, 1)
	path := filepath.Join(statusDir, DoneFileName)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(statusDir); err != nil {
		fsw.Close()
		return nil, err
	}

	go func() {
		defer fsw.Close()
		defer close(out)

		fire := func() bool {
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				out <- struct{}{}
				return true
			}
			return false
		}

		// The file may already exist by the time the watch is registered.
		if fire() {
			return
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name == path && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					if fire() {
						return
					}
				}
			case <-ticker.C:
				if fire() {
					return
				}
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
				// Watcher errors degrade to the polling fallback.
			}
		}
	}()
	return out, nil
}
