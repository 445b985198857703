package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/event"
)

// reloadDebounce coalesces the write bursts editors produce when saving
// the config file.
const reloadDebounce = 100 * time.Millisecond

// Store holds the live configuration. Readers take snapshots with Get;
// every mutation goes through Update, which notifies subscribers. The
// auto-refresh policy and notification settings are read through the
// store at the moment they are needed, so edits take effect immediately.
type Store struct {
	logger *zap.Logger

	mu  sync.RWMutex
	cfg *Config

	onDidChange *event.Emitter[Config]
}

// NewStore creates a store seeded with cfg
func NewStore(cfg *Config, logger *zap.Logger) *Store {
	return &Store{
		logger:      logger.Named("config-store"),
		cfg:         cfg,
		onDidChange: event.New[Config](),
	}
}

// Get returns a snapshot of the current configuration
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update applies fn to the configuration under the write lock and then
// notifies subscribers with the resulting snapshot.
func (s *Store) Update(fn func(*Config)) {
	s.mu.Lock()
	fn(s.cfg)
	snapshot := s.cfg.clone()
	s.mu.Unlock()

	s.onDidChange.Fire(snapshot)
}

// OnDidChange registers a handler called with a snapshot after every
// Update. The returned function cancels the subscription.
func (s *Store) OnDidChange(fn func(Config)) func() {
	return s.onDidChange.Subscribe(fn)
}

// WatchFile reloads the configuration whenever the file at path changes.
// Parse or validation failures keep the previous configuration. Watching
// stops when ctx is cancelled.
func (s *Store) WatchFile(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory rather than the file itself: editors often
	// replace the file on save, which drops a watch on the old inode.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go s.watchLoop(ctx, w, path)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string) {
	defer w.Close()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() { s.reload(path) })
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (s *Store) reload(path string) {
	cfg, err := Load(path)
	if err != nil {
		s.logger.Warn("Failed to reload configuration, keeping previous",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}

	s.Update(func(c *Config) { *c = *cfg })
	s.logger.Info("Configuration reloaded", zap.String("path", path))
}

// clone returns a deep enough copy that callers cannot mutate shared state
func (c *Config) clone() Config {
	out := *c
	out.Watcher.Exclude = append([]string(nil), c.Watcher.Exclude...)
	out.CORS.AllowedOrigins = append([]string(nil), c.CORS.AllowedOrigins...)
	return out
}
