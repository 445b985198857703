// Package watcher turns filesystem activity under the workspace root
// into the discrete change feed the server manager consumes.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/pkg/config"
	"github.com/previewtools/go-preview-server/pkg/pathutil"
)

// Kind classifies a workspace event
type Kind string

const (
	// KindChanged is content changing without a save, pushed by hosts
	// that track editor buffers. The filesystem watcher never emits it.
	KindChanged Kind = "changed"
	// KindSaved is a file written to disk
	KindSaved Kind = "saved"
	// KindCreated is a new file or directory
	KindCreated Kind = "created"
	// KindDeleted is a removed file or directory
	KindDeleted Kind = "deleted"
	// KindRenamed is a file or directory moved away from its old name
	KindRenamed Kind = "renamed"
)

// Event is one discrete workspace change
type Event struct {
	Kind  Kind
	Paths []string
}

// Feed is a stream of workspace events
type Feed interface {
	Events() <-chan Event
}

// Watcher implements Feed on top of fsnotify. Directories are watched
// recursively, new directories are picked up as they appear, and write
// bursts are debounced into a single saved event per path.
type Watcher struct {
	logger *zap.Logger
	store  *config.Store
	root   string

	fsw    *fsnotify.Watcher
	events chan Event

	mu      sync.Mutex
	pending map[string]*time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a watcher rooted at root. Call Start to begin watching.
func New(root string, store *config.Store, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		logger:  logger.Named("watcher"),
		store:   store,
		root:    root,
		fsw:     fsw,
		events:  make(chan Event, 64),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the workspace tree to the watcher and begins delivering
// events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch workspace: %w", err)
	}

	go w.run(ctx)

	w.logger.Debug("Watching workspace", zap.String("root", w.root))
	return nil
}

// Events returns the feed channel
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.excluded(ev.Name) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("Failed to watch new directory",
					zap.String("path", ev.Name),
					zap.Error(err),
				)
			}
		}
		w.emit(Event{Kind: KindCreated, Paths: []string{ev.Name}})
	case ev.Op&fsnotify.Write != 0:
		w.debounceSave(ev.Name)
	case ev.Op&fsnotify.Remove != 0:
		w.emit(Event{Kind: KindDeleted, Paths: []string{ev.Name}})
	case ev.Op&fsnotify.Rename != 0:
		w.emit(Event{Kind: KindRenamed, Paths: []string{ev.Name}})
	}
}

// debounceSave collapses the write bursts a single save produces into
// one event. The window is read from configuration per write so edits
// apply immediately.
func (w *Watcher) debounceSave(path string) {
	window := time.Duration(w.store.Get().Watcher.DebounceMS) * time.Millisecond

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(window, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.emit(Event{Kind: KindSaved, Paths: []string{path}})
	})
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Debug("Dropping workspace event, feed is full",
			zap.String("kind", string(ev.Kind)))
	}
}

// excluded reports whether any path segment below the root matches an
// exclude glob. Paths outside the root are always excluded.
func (w *Watcher) excluded(p string) bool {
	rel, ok := pathutil.RelativeTo(w.root, p)
	if !ok {
		return true
	}
	if rel == "/" {
		return false
	}

	exclude := w.store.Get().Watcher.Exclude
	for _, seg := range strings.Split(strings.TrimPrefix(rel, "/"), "/") {
		for _, pattern := range exclude {
			if matched, _ := filepath.Match(pattern, seg); matched {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.excluded(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
