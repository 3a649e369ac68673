package catalog

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports changes to catalog files. Bursts of events for one file
// (editors often write, chmod and rename) collapse into a single callback
// once the file has been quiet for the debounce period.
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback func(path string)
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	files   map[string]bool
	pending map[string]*time.Timer
	done    chan struct{}
	stopped bool
}

func NewWatcher(debounce time.Duration, callback func(path string), logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		callback: callback,
		debounce: debounce,
		logger:   logger,
		files:    make(map[string]bool),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Add watches one catalog file. The parent directory is watched so that
// atomic replacements are seen.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.files[abs] {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	w.files[abs] = true

	w.logger.Debug("Watching catalog", zap.String("path", abs))
	return nil
}

func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(filepath.Clean(event.Name))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Catalog watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || !w.files[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		stopped := w.stopped
		w.mu.Unlock()

		if stopped {
			return
		}
		w.logger.Info("Catalog changed", zap.String("path", path))
		w.callback(path)
	})
}
