package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"actionserver/internal/importer"
	"actionserver/pkg/logging"
)

// DefaultDebounce is how long a package's events coalesce before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Reloader re-imports changed package directories and disables removed ones.
// Satisfied by *importer.Importer.
type Reloader interface {
	ImportDirs(ctx context.Context, dirs []string) (importer.Summary, error)
	DisableDir(ctx context.Context, dir string) (importer.Summary, error)
}

// Config carries the watcher's tunables.
type Config struct {
	// Root is the packages directory. The root and every package directory
	// under it are watched; fsnotify does not recurse on its own.
	Root string

	// Debounce is the quiet window after the last event before a package
	// reloads. Zero means DefaultDebounce.
	Debounce time.Duration
}

// Watcher turns filesystem events under the packages root into importer
// calls. Edits to a package's source or manifest re-import it; removing a
// package directory (or its manifest) disables the package.
type Watcher struct {
	root     string
	debounce time.Duration
	reloader Reloader

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*time.Timer
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg Config, reloader Reloader) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	// fsnotify reports resolved paths; a symlinked root would break the
	// Rel-based package mapping.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		reloader: reloader,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start watches the root and every existing package directory, then consumes
// events until ctx ends or Stop is called. Starting twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsw
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	if err := fsw.Add(w.root); err != nil {
		w.Stop()
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.Stop()
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(w.root, entry.Name())
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := fsw.Add(path); err != nil {
			logging.Warn("watcher", "cannot watch %s: %v", path, err)
		}
	}

	go w.processEvents(ctx)

	logging.Info("watcher", "watching %s for package changes", w.root)
	return nil
}

// Stop closes the filesystem watcher, cancels pending reloads, and waits for
// the event loop to drain. Safe to call more than once and before Start.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	fsw := w.watcher
	w.watcher = nil
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	done := w.done
	w.mu.Unlock()

	if fsw != nil {
		if err := fsw.Close(); err != nil {
			logging.Error("watcher", err, "closing filesystem watcher")
		}
	}
	<-done

	logging.Info("watcher", "stopped watching %s", w.root)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
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
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher", err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	pkgDir := filepath.Join(w.root, parts[0])

	if len(parts) == 1 {
		// Root-level entry: a package directory appeared or went away.
		switch {
		case event.Op&fsnotify.Create == fsnotify.Create:
			info, err := os.Stat(event.Name)
			if err != nil || !info.IsDir() {
				return
			}
			w.addPackageWatch(event.Name)
			w.schedule(ctx, pkgDir)
		case event.Op&fsnotify.Remove == fsnotify.Remove,
			event.Op&fsnotify.Rename == fsnotify.Rename:
			w.schedule(ctx, pkgDir)
		}
		return
	}

	if !relevantFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.schedule(ctx, pkgDir)
	}
}

func (w *Watcher) addPackageWatch(dir string) {
	w.mu.Lock()
	fsw := w.watcher
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	if err := fsw.Add(dir); err != nil {
		logging.Warn("watcher", "cannot watch %s: %v", dir, err)
	}
}

// schedule arms (or re-arms) the package's debounce timer. The reload runs
// once the package has been quiet for the full window.
func (w *Watcher) schedule(ctx context.Context, pkgDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[pkgDir]; ok {
		timer.Stop()
	}
	w.pending[pkgDir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, pkgDir)
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		w.reload(ctx, pkgDir)
	})
}

// reload decides between re-import and disable by whether the manifest still
// exists at fire time, not at event time: a burst ending in deletion must
// disable even when it began with writes.
func (w *Watcher) reload(ctx context.Context, pkgDir string) {
	if _, err := os.Stat(filepath.Join(pkgDir, importer.ManifestFile)); err != nil {
		logging.Debug("watcher", "manifest gone under %s, disabling", pkgDir)
		if _, err := w.reloader.DisableDir(ctx, pkgDir); err != nil {
			logging.Error("watcher", err, "disabling %s failed", pkgDir)
		}
		return
	}

	logging.Debug("watcher", "reloading %s", pkgDir)
	sum, err := w.reloader.ImportDirs(ctx, []string{pkgDir})
	if err != nil {
		logging.Error("watcher", err, "reimporting %s failed", pkgDir)
		return
	}
	for _, f := range sum.Failed {
		logging.Warn("watcher", "reimporting %s failed: %v", f.Dir, f.Err)
	}
}

func relevantFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".pyx", ".yaml":
		return true
	}
	return false
}
