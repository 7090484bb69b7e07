package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Store when its policy file changes.
//
// The parent directory is watched so editors that replace the file by
// rename are still seen. A file that fails to parse is logged and the
// previous snapshot keeps serving.
type Watcher struct {
	store    *Store
	path     string
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	debounce time.Duration

	mu       sync.Mutex
	reloaded chan struct{} // signalled after each reload attempt, for tests
}

// NewWatcher starts watching path's directory.
func NewWatcher(store *Store, path string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		store:    store,
		path:     abs,
		watcher:  fw,
		logger:   logger.Named("policy"),
		debounce: DefaultDebounce,
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.store.ReloadFile(w.path); err != nil {
		w.logger.Error(ctx, "policy reload failed, keeping previous rules",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.logger.Info(ctx, "policy reloaded",
			zap.String("path", w.path),
			zap.Uint64("version", w.store.Version()),
			zap.Int("rules", len(w.store.Rules())))
	}

	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}
