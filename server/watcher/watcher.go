// Package watcher publishes file system changes to endpoints subscribed to
// the file/modification subscription.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cloudide/wsrpc/shared"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SubscriptionName is served as subscribe/file/modification and published as
// publish/file/modification.
const SubscriptionName = "file/modification"

// FileContext narrows a subscription to one file or directory. An empty path
// receives changes of every watched path.
type FileContext struct {
	Path string `json:"path,omitempty"`
}

// FileEvent is the payload of publish/file/modification.
type FileEvent struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

type listenerKey struct {
	endpointID string
	path       string
}

// listener is shared by subscriptions whose paths clean to the same key.
type listener struct {
	events shared.EventTransmitter
	refs   int
}

// Watcher wraps an fsnotify watcher and fans its events out to listeners.
type Watcher struct {
	watcher   *fsnotify.Watcher
	logger    *zap.Logger
	mu        sync.RWMutex
	roots     []string
	added     map[string]int // paths added for subscriptions outside the roots -> listener count
	listeners map[listenerKey]*listener
}

// New starts watching paths. Every path must exist.
func New(logger *zap.Logger, paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w := &Watcher{
		watcher:   fsWatcher,
		logger:    logger.Named("watcher"),
		added:     make(map[string]int),
		listeners: make(map[listenerKey]*listener),
	}
	for _, path := range paths {
		clean := filepath.Clean(path)
		if err := fsWatcher.Add(clean); err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("watch %s: %w", clean, err)
		}
		w.roots = append(w.roots, clean)
	}
	w.logger.Info("File watcher started", zap.Strings("paths", w.roots))
	return w, nil
}

// Register installs the file/modification subscription on manager.
func (w *Watcher) Register(manager *shared.Manager) error {
	return shared.Subscribe(manager, SubscriptionName, w.Handler())
}

// Handler returns the subscription callbacks.
func (w *Watcher) Handler() shared.SubscriptionHandler[FileContext] {
	return shared.SubscriptionHandler[FileContext]{
		OnSubscribe: func(ctx context.Context, endpointID string, subCtx FileContext, events shared.EventTransmitter) error {
			return w.addListener(endpointID, subCtx.Path, events)
		},
		OnUnsubscribe: func(ctx context.Context, endpointID string, subCtx FileContext) {
			w.removeListener(endpointID, subCtx.Path)
		},
	}
}

func covers(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func (w *Watcher) addListener(endpointID, path string, events shared.EventTransmitter) error {
	if path != "" {
		path = filepath.Clean(path)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if path != "" && !w.coveredLocked(path) {
		if w.added[path] == 0 {
			if err := w.watcher.Add(path); err != nil {
				return shared.InvalidParams(fmt.Errorf("watch %s: %w", path, err))
			}
		}
		w.added[path]++
	}
	key := listenerKey{endpointID: endpointID, path: path}
	if l, ok := w.listeners[key]; ok {
		l.refs++
	} else {
		w.listeners[key] = &listener{events: events, refs: 1}
	}
	w.logger.Debug("Listener added", zap.String("endpointID", endpointID), zap.String("path", path), zap.Int("refs", w.listeners[key].refs))
	return nil
}

func (w *Watcher) coveredLocked(path string) bool {
	for _, root := range w.roots {
		if covers(root, path) {
			return true
		}
	}
	return false
}

func (w *Watcher) removeListener(endpointID, path string) {
	if path != "" {
		path = filepath.Clean(path)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	key := listenerKey{endpointID: endpointID, path: path}
	l, ok := w.listeners[key]
	if !ok {
		return
	}
	if l.refs--; l.refs == 0 {
		delete(w.listeners, key)
	}
	if count, ok := w.added[path]; ok {
		if count <= 1 {
			delete(w.added, path)
			if err := w.watcher.Remove(path); err != nil {
				w.logger.Debug("Failed to stop watching path", zap.String("path", path), zap.Error(err))
			}
		} else {
			w.added[path] = count - 1
		}
	}
	w.logger.Debug("Listener removed", zap.String("endpointID", endpointID), zap.String("path", path))
}

// ListenerCount returns the number of distinct (endpoint, path) listeners.
func (w *Watcher) ListenerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.listeners)
}

// WatchList returns the paths currently watched by fsnotify.
func (w *Watcher) WatchList() []string {
	return w.watcher.WatchList()
}

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	}
	return "unknown"
}

func (w *Watcher) publish(event fsnotify.Event) {
	payload := FileEvent{Path: event.Name, Operation: operation(event.Op)}

	w.mu.RLock()
	var targets []shared.EventTransmitter
	for key, l := range w.listeners {
		if key.path == "" || covers(key.path, event.Name) {
			targets = append(targets, l.events)
		}
	}
	w.mu.RUnlock()

	for _, events := range targets {
		events(payload)
	}
}

// Run delivers file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("File watcher stopped")
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.logger.Debug("File event", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			w.publish(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("File watcher event overflow", zap.Error(err))
				continue
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}
