package server

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher runs discovery when directories appear in the base directory.
type Watcher struct {
	manager  *Manager
	watcher  *fsnotify.Watcher
	debounce time.Duration

	// onDiscover is called with newly registered instances after they are saved
	onDiscover func([]InstanceInfo)

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher watches the manager's base directory.
func NewWatcher(m *Manager, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(m.BaseDir()); err != nil {
		fw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Watcher{
		manager:  m,
		watcher:  fw,
		debounce: debounce,
	}, nil
}

// SetDiscoverCallback sets the callback for newly discovered servers
func (w *Watcher) SetDiscoverCallback(cb func([]InstanceInfo)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDiscover = cb
}

// Start begins processing events until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.stopCh != nil {
		w.mu.Unlock()
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	go w.run(ctx, stopCh, doneCh)
}

// Stop halts the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	stopCh, doneCh := w.stopCh, w.doneCh
	w.stopCh = nil
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] Error: %v", err)
		case <-timer.C:
			pending = false
			w.discover()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	if filepath.Dir(event.Name) != w.manager.BaseDir() {
		return false
	}
	st, err := os.Stat(event.Name)
	return err == nil && st.IsDir()
}

func (w *Watcher) discover() {
	found := w.manager.DiscoverServers()
	if len(found) == 0 {
		return
	}
	if err := w.manager.Save(); err != nil {
		log.Printf("[Watcher] Failed to save discovered servers: %v", err)
	}

	w.mu.Lock()
	cb := w.onDiscover
	w.mu.Unlock()
	if cb != nil {
		cb(found)
	}
}
