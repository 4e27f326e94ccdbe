package offline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SpoolWatcher calls a function whenever the spool file is written or
// replaced, so captures made by another process get promoted promptly.
// It watches the spool's directory because rewrites replace the file.
type SpoolWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func()
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewSpoolWatcher creates a watcher for the spool at path.
// The watcher must be started with Start() before it calls onChange.
func NewSpoolWatcher(path string, onChange func()) (*SpoolWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("resolve spool path: %w", err)
	}
	return &SpoolWatcher{
		watcher:  watcher,
		path:     abs,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (sw *SpoolWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(sw.path)
	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event goroutine has exited.
func (sw *SpoolWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sw.wg.Wait()
	return nil
}

func (sw *SpoolWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if sw.relevant(event) {
				sw.onChange()
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("spool watcher error", "path", sw.path, "error", err)
		}
	}
}

// relevant reports whether event changed the spool file's contents.
func (sw *SpoolWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != sw.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
