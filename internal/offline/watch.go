// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce mirrors the teacher's fsnotify debounce window in
// cmd/cie/watch.go, coalescing bursts of writes to the local replica's
// data directory into a single notification.
const watchDebounce = 2 * time.Second

// Watcher notices external changes to a replica's local data directory
// (e.g. a synced-folder tool or another process touching the embedded
// store's files while offline) and calls OnChange once per debounced
// burst. It never drives reconciliation itself — that stays an explicit
// Reconcile call once the user goes back online (spec §4.10).
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	logger   *slog.Logger
	done     chan struct{}
}

// WatchDataDir starts watching dataDir for changes, calling onChange
// (debounced) whenever something under it is written.
func WatchDataDir(dataDir string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dataDir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{fsw: fsw, onChange: onChange, logger: logger, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			timerCh = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("offline: watcher error", "err", err)
		case <-timerCh:
			timerCh = nil
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
