package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the freshly loaded
// configuration. Returning an error keeps the previous configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file when it changes on disk or
// when the process receives SIGHUP.
type ConfigReloader struct {
	path   string
	logger *logrus.Logger

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	watcher *fsnotify.Watcher
	signals chan os.Signal
	done    chan struct{}
	once    sync.Once
}

// NewConfigReloader creates a reloader for the file at path. An empty path
// disables file watching; SIGHUP is still handled.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("initial config is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg.Clone(),
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function called before a new configuration
// is applied.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.done:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			if err := r.Reload(); err != nil {
				r.logger.WithError(err).Error("Configuration reload failed")
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			r.logger.WithField("event", ev.Op.String()).Debug("Configuration file changed")
			if err := r.Reload(); err != nil {
				r.logger.WithError(err).Error("Configuration reload failed")
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop stops watching. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.once.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the file and applies it if it is valid and safe.
func (r *ConfigReloader) Reload() error {
	if r.path == "" {
		return fmt.Errorf("no configuration file to reload")
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateReloadSafety(r.current, next); err != nil {
		return err
	}
	if r.onReload != nil {
		if err := r.onReload(r.current.Clone(), next.Clone()); err != nil {
			return fmt.Errorf("reload rejected: %w", err)
		}
	}
	r.current = next
	r.logger.Info("Configuration reloaded")
	return nil
}

// validateReloadSafety rejects changes that need a restart. Altering the
// encryption parameters mid-flight would produce packages that peers
// configured from the old file could not open.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	switch {
	case old.Encryption.Algorithm != new.Encryption.Algorithm:
		return fmt.Errorf("encryption.algorithm cannot be changed during hot reload")
	case old.Encryption.Iterations != new.Encryption.Iterations:
		return fmt.Errorf("encryption.iterations cannot be changed during hot reload")
	case old.Compression.Enabled != new.Compression.Enabled:
		return fmt.Errorf("compression.enabled cannot be changed during hot reload")
	case old.Storage.Backend != new.Storage.Backend:
		return fmt.Errorf("storage.backend cannot be changed during hot reload")
	case old.Storage.S3.Bucket != new.Storage.S3.Bucket:
		return fmt.Errorf("storage.s3.bucket cannot be changed during hot reload")
	case old.Offload.Workers != new.Offload.Workers:
		return fmt.Errorf("offload.workers cannot be changed during hot reload")
	}
	return nil
}
