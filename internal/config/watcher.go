package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avalb/internal/observability"
)

// DefaultDebounceDelay coalesces bursts of writes from editors.
const DefaultDebounceDelay = 100 * time.Millisecond

// ReloadCallback receives every reloaded configuration that validated.
type ReloadCallback func(*Config)

// ErrorCallback receives read, parse and validation errors from reloads.
type ErrorCallback func(error)

// Watcher reloads the configuration file when its content changes. The
// directory is watched so that atomic renames by editors and config
// management tools are seen. A file whose bytes did not change since the
// last good load is not delivered again.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	callback      ReloadCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu         sync.RWMutex
	lastConfig *Config
	lastDigest uint64
	running    bool
	stopCh     chan struct{}
	stoppedCh  chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the file must be quiet before a reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// NewWatcher creates a watcher for path. Nothing is read until Start.
func NewWatcher(path string, callback ReloadCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		watcher:       fsWatcher,
		callback:      callback,
		debounceDelay: DefaultDebounceDelay,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start loads the current file as the baseline and begins watching. The
// baseline is not passed to the callback.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	cfg, digest, err := readConfig(w.path)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.lastConfig = cfg
	w.lastDigest = digest
	w.running = true

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
	)

	go w.watch(ctx)
	return nil
}

// Stop stops watching and releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.stoppedCh
	}
	return w.watcher.Close()
}

// GetLastConfig returns the last configuration that loaded and validated.
func (w *Watcher) GetLastConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	debounce := time.NewTimer(w.debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event",
				observability.String("op", event.Op.String()),
			)
			debounce.Reset(w.debounceDelay)

		case <-debounce.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.handleError("config watcher error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	return filepath.Clean(event.Name) == w.path &&
		event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) handleError(msg string, err error) {
	w.logger.Error(msg, observability.Error(err))
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

func (w *Watcher) reload() {
	cfg, digest, err := readConfig(w.path)
	if err != nil {
		w.handleError("failed to reload configuration, keeping previous", err)
		return
	}

	w.mu.Lock()
	unchanged := digest == w.lastDigest
	if !unchanged {
		w.lastConfig = cfg
		w.lastDigest = digest
	}
	w.mu.Unlock()

	if unchanged {
		w.logger.Debug("configuration content unchanged, skipping reload")
		return
	}

	w.logger.Info("configuration file changed",
		observability.Int("backends", len(cfg.Spec.Backends)),
	)
	if w.callback != nil {
		w.callback(cfg)
	}
}

// ForceReload reads the file and delivers it even if its content is
// unchanged.
func (w *Watcher) ForceReload() error {
	cfg, digest, err := readConfig(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastConfig = cfg
	w.lastDigest = digest
	w.mu.Unlock()

	if w.callback != nil {
		w.callback(cfg)
	}
	return nil
}

// readConfig loads, defaults and validates path, returning the digest of
// the raw bytes alongside.
func readConfig(path string) (*Config, uint64, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := NewLoader().LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	cfg.ApplyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, 0, err
	}
	return cfg, xxhash.Sum64(data), nil
}
