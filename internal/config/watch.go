package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is invoked with the freshly loaded settings after the config
// file changes on disk.
type ChangeHandler func(*Settings)

// Manager holds the current settings and refreshes them when the config file
// is rewritten. Reload failures keep the previous snapshot.
type Manager struct {
	path     string
	logger   *zap.Logger
	mu       sync.RWMutex
	current  *Settings
	handlers []ChangeHandler

	// debounce coalesces editor write bursts into one reload
	debounce time.Duration
}

// NewManager loads path once and prepares it for watching.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:     path,
		logger:   logger,
		current:  s,
		debounce: 250 * time.Millisecond,
	}, nil
}

// Current returns the latest settings snapshot.
func (m *Manager) Current() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler run after every successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Watch blocks until ctx is done, reloading the settings whenever the file
// is written, created or renamed in place.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watch error", zap.Error(err))
		case <-reload:
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	s, err := Load(m.path)
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous settings",
			zap.String("path", m.path), zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current = s
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", zap.String("path", m.path))
	for _, h := range handlers {
		h(s)
	}
}
