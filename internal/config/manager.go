package config

import (
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events a single save produces.
const reloadDebounce = 100 * time.Millisecond

// Manager holds the current AppConfig and reloads it when a section file in the
// config directory changes.
type Manager struct {
	mu           sync.RWMutex
	current      *AppConfig
	configDir    string
	onUpdateFunc func(*AppConfig)

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func NewManager(configDir string) (*Manager, error) {
	mgr := &Manager{
		configDir: configDir,
		done:      make(chan struct{}),
	}

	if err := mgr.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("failed to create config watcher", "error", err)
		return mgr, nil
	}
	if err := watcher.Add(configDir); err != nil {
		slog.Error("failed to watch config dir", "dir", configDir, "error", err)
		_ = watcher.Close()
		return mgr, nil
	}
	mgr.watcher = watcher
	go mgr.watch()

	return mgr, nil
}

func (m *Manager) Get() AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.current
}

// Reload re-reads the directory. On error the previous config stays active.
// Once a config is loaded, an empty section file is an error rather than a
// reset to defaults.
func (m *Manager) Reload() error {
	m.mu.RLock()
	loaded := m.current != nil
	m.mu.RUnlock()

	newConfig, err := loadAppConfig(m.configDir, loaded)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return err
	}

	m.mu.Lock()
	m.current = newConfig
	onUpdate := m.onUpdateFunc
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(newConfig)
	}

	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	slog.Info("configuration reloaded successfully", "dir", m.configDir)
	return nil
}

func (m *Manager) SetUpdateCallback(f func(*AppConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdateFunc = f
}

func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}

func isSectionFile(name string) bool {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext != ".yaml" && ext != ".json" {
		return false
	}
	return slices.Contains(SectionFiles, strings.TrimSuffix(base, ext))
}

func (m *Manager) watch() {
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !isSectionFile(event.Name) {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				slog.Debug("config file modified", "file", event.Name)
				timer.Reset(reloadDebounce)
			}
		case <-timer.C:
			if err := m.Reload(); err != nil {
				slog.Error("error reloading config", "error", err)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
