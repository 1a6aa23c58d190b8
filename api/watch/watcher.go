package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses an editor's burst of writes into one change.
const DefaultDebounce = 300 * time.Millisecond

var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".bifrost":     true,
	".sst":         true,
}

// Watcher reports source changes per function. fsnotify is not recursive,
// so every directory under a watched root is added, and new directories are
// added as they appear.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	roots   map[string]string // function id -> absolute source root
	dirs    map[string]bool
	pending map[string]bool
	handler func(ids []string)
}

func New(debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		fs:       w,
		debounce: debounce,
		log:      log,
		roots:    make(map[string]string),
		dirs:     make(map[string]bool),
		pending:  make(map[string]bool),
	}, nil
}

// SetHandler sets the callback for debounced changes. Must be called before Run.
func (w *Watcher) SetHandler(fn func(ids []string)) {
	w.mu.Lock()
	w.handler = fn
	w.mu.Unlock()
}

// Watch starts (or moves) the watch for a function's source tree.
func (w *Watcher) Watch(functionID, srcPath string) error {
	root, err := filepath.Abs(srcPath)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.roots[functionID] = root
	w.mu.Unlock()
	return w.addTree(root)
}

// Functions returns the ids currently watched.
func (w *Watcher) Functions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.roots))
	for id := range w.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		w.mu.Lock()
		seen := w.dirs[path]
		w.dirs[path] = true
		w.mu.Unlock()
		if seen {
			return nil
		}
		return w.fs.Add(path)
	})
}

// owners returns the functions whose source tree contains path.
func (w *Watcher) owners(path string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []string
	for id, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			ids = append(ids, id)
		}
	}
	return ids
}

func ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}

func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	var timerC <-chan time.Time
	for {
		select {
		case <-timerC:
			timerC = nil
			w.flush()
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ignored(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			w.log.Debug("watch: event", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.log.Warn("watch: add directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			ids := w.owners(event.Name)
			if len(ids) == 0 {
				continue
			}
			w.mu.Lock()
			for _, id := range ids {
				w.pending[id] = true
			}
			w.mu.Unlock()
			if timerC == nil {
				timerC = time.After(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("watch: error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.pending = make(map[string]bool)
	handler := w.handler
	w.mu.Unlock()

	if len(ids) == 0 || handler == nil {
		return
	}
	sort.Strings(ids)
	handler(ids)
}
