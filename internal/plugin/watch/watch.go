package watch

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/dshills/modhost/internal/plugin"
)

// DefaultDelay is the quiet period before changes are reported.
const DefaultDelay = 250 * time.Millisecond

var (
	// ErrWatcherClosed is returned by Watch after Close.
	ErrWatcherClosed = errors.New("watcher closed")

	// ErrPathNotExist is returned when a root does not exist.
	ErrPathNotExist = errors.New("path does not exist")
)

// DefaultIgnorePatterns match editor swap files, temporary downloads and
// hidden files.
var DefaultIgnorePatterns = []string{".*", "*~", "*.swp", "*.tmp"}

// Watcher reports changes under package roots.
type Watcher struct {
	mu sync.Mutex

	fsw      *fsnotify.Watcher
	roots    map[string]bool
	paths    map[string]bool
	ignore   []string
	delay    time.Duration
	logger   *log.Logger
	debounce *debouncer

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDelay sets the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) {
		w.delay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithIgnorePatterns replaces the ignored base-name patterns.
func WithIgnorePatterns(patterns ...string) Option {
	return func(w *Watcher) {
		w.ignore = patterns
	}
}

// New creates a watcher that calls onChange with the sorted changed paths
// after each burst of changes. onChange runs on a timer goroutine.
func New(onChange func(paths []string), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		roots:   make(map[string]bool),
		paths:   make(map[string]bool),
		ignore:  DefaultIgnorePatterns,
		delay:   DefaultDelay,
		logger:  log.New(io.Discard),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watch")
	w.debounce = newDebouncer(w.delay, onChange)

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// Watch observes root and every directory directly inside it.
func (w *Watcher) Watch(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "watch", Path: abs, Err: errors.New("not a directory")}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if err := w.addLocked(abs); err != nil {
		return err
	}
	w.roots[abs] = true

	entries, err := os.ReadDir(abs)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || w.ignored(e.Name()) {
			continue
		}
		if err := w.addLocked(filepath.Join(abs, e.Name())); err != nil {
			w.logger.Warn("failed to watch package directory", "path", e.Name(), "err", err)
		}
	}
	return nil
}

func (w *Watcher) addLocked(path string) error {
	if w.paths[path] {
		return nil
	}
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.paths[path] = true
	return nil
}

// WatchedPaths returns the watched directories, sorted.
func (w *Watcher) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Flush reports pending changes immediately.
func (w *Watcher) Flush() {
	w.debounce.flush()
}

// Close stops the watcher. Pending changes are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()
	w.debounce.stop()
	return w.fsw.Close()
}

// processLoop handles incoming fsnotify events.
func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	// Permission changes never alter a package.
	if ev.Op == fsnotify.Chmod {
		return
	}
	if w.ignored(filepath.Base(ev.Name)) {
		return
	}

	w.mu.Lock()
	if ev.Has(fsnotify.Create) && w.roots[filepath.Dir(ev.Name)] {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addLocked(ev.Name); err != nil {
				w.logger.Warn("failed to watch package directory", "path", ev.Name, "err", err)
			}
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(w.paths, ev.Name)
	}
	w.mu.Unlock()

	w.logger.Debug("package change", "path", ev.Name, "op", ev.Op.String())
	w.debounce.add(ev.Name)
}

func (w *Watcher) ignored(name string) bool {
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// RescanOnChange returns a change callback that schedules a registry
// rescan on the system's next tick.
func RescanOnChange(system *plugin.System, logger *log.Logger) func(paths []string) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return func(paths []string) {
		system.Post(func() {
			logger.Info("rescanning packages", "changes", len(paths))
			if err := system.Rescan(); err != nil {
				logger.Warn("rescan finished with errors", "err", err)
			}
		})
	}
}
