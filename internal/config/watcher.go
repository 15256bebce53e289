package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

// WatcherOptions configure a Watcher.
type WatcherOptions struct {
	Debounce time.Duration

	// Environ supplies environment overrides for each reload. Defaults to
	// os.Environ.
	Environ func() []string

	Logger *slog.Logger
}

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path     string
	debounce time.Duration
	environ  func() []string
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	current  *Config
	handlers []func(*Config)
	timer    *time.Timer
	closed   bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches path, starting from initial. The file's directory is
// watched so that atomic-rename saves are seen.
func NewWatcher(path string, initial *Config, opts WatcherOptions) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	if initial == nil {
		initial = Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	w := &Watcher{
		path:     abs,
		debounce: debounce,
		environ:  environ,
		logger:   logger.With("component", "config", "path", abs),
		fsw:      fsw,
		current:  initial,
		closeCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.processLoop()
	return w, nil
}

// Subscribe registers fn to receive each successfully reloaded Config.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) processLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Warn("config reload failed; keeping previous settings", "error", err)
		}
	})
}

// Reload reads the file now. An invalid file leaves the current Config in
// place and is returned as an error.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrWatcherClosed
	}

	cfg := Default()
	if err := LoadFile(cfg, w.path); err != nil {
		return err
	}
	if err := ApplyEnv(cfg, w.environ()); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.current = cfg
	handlers := append(([]func(*Config))(nil), w.handlers...)
	w.mu.Unlock()

	w.logger.Info("config reloaded")
	for _, fn := range handlers {
		fn(cfg)
	}
	return nil
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.closeCh)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
