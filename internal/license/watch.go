package license

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/qoreforge/dbgateway/internal/obs"
)

// Watcher holds the gateway's current license status and refreshes it
// whenever the license file on disk changes, using the same
// fsnotify-driven hot-reload idiom this gateway's ambient config stack
// uses for its preferences file.
type Watcher struct {
	verifier *Verifier
	path     string
	log      *obs.Logger

	mu      sync.RWMutex
	current Status
}

func NewWatcher(verifier *Verifier, path string, log *obs.Logger) *Watcher {
	return &Watcher{verifier: verifier, path: path, log: log}
}

// Load reads and verifies the license file once, without starting a
// watch.
func (w *Watcher) Load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.mu.Lock()
		w.current = Status{Tier: TierCore, Reason: "license file not found"}
		w.mu.Unlock()
		return nil
	}
	status := w.verifier.Verify(string(data))
	w.mu.Lock()
	w.current = status
	w.mu.Unlock()
	return nil
}

// Set verifies key directly (the validate_key command) and makes the
// result the watcher's current status.
func (w *Watcher) Set(key string) Status {
	status := w.verifier.Verify(key)
	w.mu.Lock()
	w.current = status
	w.mu.Unlock()
	return status
}

// Clear drops the current entitlement back to the unlicensed default.
func (w *Watcher) Clear() {
	w.mu.Lock()
	w.current = Status{Tier: TierCore}
	w.mu.Unlock()
}

// Current returns the last-verified license status.
func (w *Watcher) Current() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch starts an fsnotify watch on the license file's directory and
// reloads on write/create events until stop is closed.
func (w *Watcher) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := parentDir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.verifier.InvalidateCache()
			if err := w.Load(); err != nil && w.log != nil {
				w.log.WithError(err).Warn("license reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.WithError(err).Warn("license watcher error")
			}
		}
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
