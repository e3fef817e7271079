package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/logging"
)

// Watcher reloads the node configuration when the config file or a file of
// the API definitions directory changes.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	apisDir    string
	callbacks  []func(*Config)
	mu         sync.RWMutex
	debounce   time.Duration
	timer      *time.Timer
	lastConfig *Config
}

// NewWatcher loads configPath and prepares a watcher for it.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}

	cfg, err := w.loader.Load(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.lastConfig = cfg
	if cfg.APIsDir != "" {
		w.apisDir = cfg.APIsDir
		if !filepath.IsAbs(w.apisDir) {
			w.apisDir = filepath.Join(filepath.Dir(configPath), w.apisDir)
		}
	}
	return w, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	if w.apisDir != "" {
		if err := w.watcher.Add(w.apisDir); err != nil {
			return err
		}
	}

	go w.watch()
	return nil
}

func (w *Watcher) relevant(name string) bool {
	if filepath.Base(name) == filepath.Base(w.configPath) && filepath.Dir(name) == filepath.Dir(w.configPath) {
		return true
	}
	if w.apisDir == "" || filepath.Dir(name) != filepath.Clean(w.apisDir) {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// reload loads the config and notifies callbacks. A configuration that fails
// to load is logged and the previous one is kept.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.lastConfig = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.configPath), zap.Int("apis", len(cfg.APIs)))

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Reload forces a reload, e.g. on SIGHUP.
func (w *Watcher) Reload() {
	w.reload()
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
