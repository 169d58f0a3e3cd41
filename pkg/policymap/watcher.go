package policymap

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher hot-reloads a Map from a JSON file whenever it changes. Editors
// replace files with rename+create, so the watch covers the parent
// directory and filters for the target file.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	target   *Map
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	Path     string
	Target   *Map
	Debounce time.Duration
}

// NewWatcher creates a watcher for the given policy map file. The file is
// loaded once before watching starts so a missing or invalid file fails
// fast.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("policy map path is required")
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("target map is required")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 100 * time.Millisecond
	}

	if err := cfg.Target.LoadFile(cfg.Path); err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:  fsWatcher,
		path:     cfg.Path,
		target:   cfg.Target,
		debounce: cfg.Debounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching for changes.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch policy map directory: %w", err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Policy map watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Policy map watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	// Debounce rapid writes to the same file
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}

		if err := w.target.LoadFile(w.path); err != nil {
			// Keep serving the last good mapping
			log.Error().Err(err).Str("path", w.path).Msg("Policy map reload failed")
		}
	})
}
