package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler receives the freshly loaded configuration after a file
// change. Returning an error only logs; the previous config stays active
// for that handler.
type ReloadHandler func(cfg *Config) error

// Manager watches the config file and hot-reloads the tunable sections.
type Manager struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  *Config
	handlers []ReloadHandler
	stopCh   chan struct{}
	started  bool

	// Editors often replace files; debounce collapses the event burst.
	debounce time.Duration
}

// NewManager loads the initial config from path and prepares a watcher.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Manager{
		path:     path,
		logger:   logger,
		watcher:  watcher,
		current:  cfg,
		stopCh:   make(chan struct{}),
		debounce: 200 * time.Millisecond,
	}, nil
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a handler invoked after each successful reload.
func (m *Manager) OnReload(h ReloadHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Start begins watching the config file's directory. Watching the
// directory instead of the file survives rename-replace saves.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	go m.watchLoop()
	return nil
}

// Stop ends the watch loop and closes the watcher.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	return m.watcher.Close()
}

func (m *Manager) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, m.reload)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("Config reload failed, keeping previous config",
			zap.String("path", m.path),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	m.current = cfg
	handlers := append([]ReloadHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.String("path", m.path))
	for _, h := range handlers {
		if err := h(cfg); err != nil {
			m.logger.Warn("Config reload handler failed", zap.Error(err))
		}
	}
}
