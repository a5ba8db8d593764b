package whatsapp

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
)

// Watcher reports tenants whose credential directory was removed from
// outside the process, e.g. by an operator running rm -rf.
type Watcher struct {
	watcher   *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	onRemoved func(tenant string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher watches sessionsDir. onRemoved runs after debounce once a
// tenant directory is gone.
func NewWatcher(sessionsDir string, debounce time.Duration, onRemoved func(tenant string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(sessionsDir); err != nil {
		fsw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:   fsw,
		dir:       sessionsDir,
		debounce:  debounce,
		onRemoved: onRemoved,
		pending:   make(map[string]*time.Timer),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start spawns the event loop.
func (w *Watcher) Start() {
	L_debug("whatsapp: watching credential directories", "path", w.dir)
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("whatsapp: credential watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Dir(event.Name) != filepath.Clean(w.dir) {
		return
	}
	name := filepath.Base(event.Name)
	if !tenant.Valid(name) {
		return
	}
	w.schedule(name)
}

// schedule debounces per tenant and re-checks the directory before
// reporting, so a quick remove-and-recreate is ignored.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[name]; ok {
		t.Stop()
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}

		if _, err := os.Stat(filepath.Join(w.dir, name)); err == nil {
			return
		}
		L_info("whatsapp: credential directory removed externally", "tenant", name)
		if w.onRemoved != nil {
			w.onRemoved(name)
		}
	})
}

// Stop ends the watch.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}
