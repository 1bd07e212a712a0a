package scenario

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the registry when scenario files change on disk.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	logger   *zap.Logger

	// OnReload is called after every successful reload.
	OnReload func()
}

func NewWatcher(registry *Registry, logger *zap.Logger) *Watcher {
	return &Watcher{
		registry: registry,
		logger:   logger,
	}
}

func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := 0
	for _, dir := range w.registry.SearchPaths() {
		if err := watcher.Add(dir); err != nil {
			w.logger.Debug("Not watching scenario directory",
				zap.String("path", dir), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.watch(watcher, w.stopCh)

	w.logger.Info("Watching scenario directories", zap.Int("count", watched))
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.watcher = nil
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) watch(watcher *fsnotify.Watcher, stopCh chan struct{}) {
	defer w.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isScenarioFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Scenario watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	if err := w.registry.Reload(); err != nil {
		w.logger.Error("Scenario reload failed", zap.Error(err))
		return
	}
	if w.OnReload != nil {
		w.OnReload()
	}
}
