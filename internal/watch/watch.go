// Package watch triggers manifest refreshes when a file-sourced
// manifest changes on disk.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/logger"
)

const (
	debounceWindow      = 500 * time.Millisecond
	defaultPollInterval = 1 * time.Second
)

// FileWatcher watches one manifest file and invokes a callback when it
// changes. It prefers fsnotify and falls back to polling mtime and size
// when the platform watcher is unavailable.
type FileWatcher struct {
	path         string
	dir          string
	name         string
	onChange     func()
	pollInterval time.Duration
	log          zerolog.Logger

	fsWatcher *fsnotify.Watcher
	stopChan  chan struct{}
	watchDone chan struct{}

	mu           sync.Mutex
	started      bool
	stopped      bool
	pendingSince time.Time
}

// NewFile creates a watcher for the manifest at path. onChange runs on
// the watcher goroutine; keep it short and non-blocking.
func NewFile(path string, onChange func()) (*FileWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watch path cannot be empty")
	}
	if onChange == nil {
		return nil, fmt.Errorf("change callback cannot be nil")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve watch path: %w", err)
	}

	return &FileWatcher{
		path:         abs,
		dir:          filepath.Dir(abs),
		name:         filepath.Base(abs),
		onChange:     onChange,
		pollInterval: defaultPollInterval,
		log:          logger.Component("watch"),
		stopChan:     make(chan struct{}),
		watchDone:    make(chan struct{}),
	}, nil
}

// Start begins watching. It returns an error after Stop or a second
// Start.
func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("watcher has been stopped")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().
			Err(err).
			Str("path", w.path).
			Msg("Failed to create fsnotify watcher, falling back to polling")
		watcher = nil
	} else if err := watcher.Add(w.dir); err != nil {
		// Watch the directory, not the file: packagers replace the
		// manifest with a rename, which drops a watch set on the file
		// itself.
		w.log.Warn().
			Err(err).
			Str("dir", w.dir).
			Msg("Failed to add directory to fsnotify watcher, falling back to polling")
		_ = watcher.Close()
		watcher = nil
	}
	w.fsWatcher = watcher

	go w.run()

	w.log.Info().
		Str("path", w.path).
		Bool("using_fsnotify", w.fsWatcher != nil).
		Msg("Manifest watcher started")
	return nil
}

// Stop gracefully stops the watcher. It is idempotent.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	fsw := w.fsWatcher
	w.mu.Unlock()

	close(w.stopChan)
	if fsw != nil {
		if err := fsw.Close(); err != nil {
			w.log.Warn().Err(err).Msg("Error closing fsnotify watcher")
		}
	}
	if started {
		<-w.watchDone
	}

	w.log.Debug().Str("path", w.path).Msg("Manifest watcher stopped")
	return nil
}

func (w *FileWatcher) run() {
	defer close(w.watchDone)

	if w.fsWatcher != nil {
		w.watchEvents()
	} else {
		w.poll()
	}
}

// watchEvents consumes fsnotify events for the manifest file and fires
// the callback on a debounce tick.
func (w *FileWatcher) watchEvents() {
	ticker := time.NewTicker(debounceWindow)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
				w.noteChange()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("fsnotify error, continuing")
		case <-ticker.C:
			w.firePending()
		}
	}
}

// poll stats the manifest on an interval and fires on mtime or size
// changes. The baseline taken at startup does not count as a change.
func (w *FileWatcher) poll() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	var lastSize int64
	primed := false
	if info, err := os.Stat(w.path); err == nil {
		lastMod, lastSize = info.ModTime(), info.Size()
		primed = true
	}

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				primed = false
				continue
			}
			if primed && info.ModTime().Equal(lastMod) && info.Size() == lastSize {
				continue
			}
			lastMod, lastSize, primed = info.ModTime(), info.Size(), true
			w.log.Debug().Str("path", w.path).Msg("Manifest file changed")
			w.onChange()
		}
	}
}

func (w *FileWatcher) noteChange() {
	w.mu.Lock()
	if w.pendingSince.IsZero() {
		w.pendingSince = time.Now()
	}
	w.mu.Unlock()
}

// firePending invokes the callback for a debounced change once the file
// has been quiet long enough for atomic writers to finish.
func (w *FileWatcher) firePending() {
	w.mu.Lock()
	pending := w.pendingSince
	w.pendingSince = time.Time{}
	w.mu.Unlock()

	if pending.IsZero() {
		return
	}
	if time.Since(pending) < 100*time.Millisecond {
		w.mu.Lock()
		if w.pendingSince.IsZero() {
			w.pendingSince = pending
		}
		w.mu.Unlock()
		return
	}
	if _, err := os.Stat(w.path); err != nil {
		// Mid-rename or deleted; the next event re-arms us.
		return
	}

	w.log.Debug().Str("path", w.path).Msg("Manifest file changed")
	w.onChange()
}
