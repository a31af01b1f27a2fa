package observer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is called when pipeline source files change.
// pipelineDir is the root of the pipeline where changes occurred.
type ChangeCallback func(pipelineDir string, changedFiles []string)

// Watcher monitors pipeline directories for changes to phase templates,
// stage configs, guidance, and schemas
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration

	// Track watched pipeline roots
	roots map[string]struct{}

	// Debounce state, tracked per pipeline root
	pendingByRoot map[string]map[string]struct{}
	timer         *time.Timer
	mu            sync.Mutex

	cancel context.CancelFunc
}

// NewWatcher creates a watcher for pipeline source files
func NewWatcher(callback ChangeCallback) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:       watcher,
		callback:      callback,
		debounce:      500 * time.Millisecond, // Debounce rapid changes
		roots:         make(map[string]struct{}),
		pendingByRoot: make(map[string]map[string]struct{}),
	}

	return w, nil
}

// AddPipeline starts watching a pipeline directory and all its
// subdirectories
func (w *Watcher) AddPipeline(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.roots[dir]; exists {
		return nil // Already watching
	}

	if _, err := os.Stat(dir); err != nil {
		return err
	}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.roots[dir] = struct{}{}
	return nil
}

// RemovePipeline stops watching a pipeline directory
func (w *Watcher) RemovePipeline(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.roots[dir]; !exists {
		return
	}

	// Remove all watches under this root
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			w.watcher.Remove(path)
		}
		return nil
	})

	delete(w.roots, dir)
	delete(w.pendingByRoot, dir)
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				// Keep watching past transient errors
			}
		}
	}()
}

// Stop stops watching for file changes
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New stage directories must be watched before files inside them
	// can fire events
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watcher.Add(event.Name)
			return
		}
	}

	if !relevantFile(event.Name) {
		return
	}

	// Deletes and renames invalidate the pipeline just like edits
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Find which pipeline this file belongs to
	root := w.findRoot(event.Name)
	if root == "" {
		return // Not in a watched pipeline
	}

	// Add to pending files for this pipeline
	if w.pendingByRoot[root] == nil {
		w.pendingByRoot[root] = make(map[string]struct{})
	}
	w.pendingByRoot[root][event.Name] = struct{}{}

	// Reset or start debounce timer
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// relevantFile reports whether a path is pipeline source: phase
// templates and guidance (.md), stage configs (.yaml), schemas (.json)
func relevantFile(path string) bool {
	switch filepath.Ext(path) {
	case ".md", ".yaml", ".json":
		return true
	}
	return false
}

// findRoot returns the watched pipeline root containing the given path
func (w *Watcher) findRoot(path string) string {
	for root := range w.roots {
		if strings.HasPrefix(path, root) {
			return root
		}
	}
	return ""
}

func (w *Watcher) flush() {
	w.mu.Lock()
	// Copy pending state and clear
	pending := w.pendingByRoot
	w.pendingByRoot = make(map[string]map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil {
		return
	}

	// Call back once per pipeline with changes
	for root, fileMap := range pending {
		files := make([]string, 0, len(fileMap))
		for f := range fileMap {
			files = append(files, f)
		}
		if len(files) > 0 {
			w.callback(root, files)
		}
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
