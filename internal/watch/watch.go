// Package watch observes a directory for plan file changes. Serve mode uses
// it to validate plans as they appear or change, with per-path debouncing so
// editor write bursts produce a single event.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

const defaultDebounce = 500 * time.Millisecond

// Event reports a plan file that appeared or changed.
type Event struct {
	// Path is the absolute path of the plan file.
	Path string

	// Timestamp is when the debounced change fired.
	Timestamp time.Time
}

// Config configures a plan directory watcher.
type Config struct {
	// Dir is the directory to watch. Not recursive.
	Dir string

	// Debounce is the quiet period before a changed path is reported
	// (default: 500ms).
	Debounce time.Duration
}

// DefaultConfig returns a watcher config with the default debounce.
func DefaultConfig() *Config {
	return &Config{Debounce: defaultDebounce}
}

// Watcher emits debounced events for plan files in one directory.
type Watcher struct {
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	events   chan Event
	stop     chan struct{}
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a watcher for cfg.Dir. The directory must exist.
func New(cfg *Config, logger *zap.Logger) (*Watcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, errors.New("watch directory is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch path is not a directory: %s", abs)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		dir:      abs,
		debounce: cfg.Debounce,
		watcher:  fw,
		events:   make(chan Event, 16),
		stop:     make(chan struct{}),
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Events flow until Stop is called or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.loop(ctx)

	w.logger.Info("watching plan directory",
		zap.String("dir", w.dir),
		zap.Duration("debounce", w.debounce),
	)
	return nil
}

// Events returns the channel of debounced plan file changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	_ = w.watcher.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !isPlanFile(event.Name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.schedule(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A pending change for a path that no longer exists is moot.
		w.cancel(event.Name)
	}
}

// schedule arms (or re-arms) the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.emit(path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) emit(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	ev := Event{Path: path, Timestamp: time.Now()}
	select {
	case w.events <- ev:
	case <-w.stop:
	default:
		w.logger.Warn("event channel full, dropping change", zap.String("path", path))
	}
}

// isPlanFile reports whether name looks like a plan document.
func isPlanFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
