package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the newly loaded config.
// Returning an error keeps the previous config active.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the config file on change or SIGHUP. Only settings
// that are safe to change at runtime may differ between old and new.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal

	mu       sync.RWMutex
	current  *Config
	callback ReloadCallback

	debounce time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader. An empty path disables file
// watching; SIGHUP is still honoured.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:     path,
		logger:   logger,
		current:  cfg.Clone(),
		signals:  make(chan os.Signal, 1),
		debounce: 50 * time.Millisecond,
		done:     make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function applying a new config.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	r.callback = cb
	r.mu.Unlock()
}

// GetCurrentConfig returns a copy of the active config.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Start blocks until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			// Editors emit several events per save.
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			r.reload("file change")
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop stops watching. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload(trigger string) {
	log := r.logger.WithFields(logrus.Fields{"trigger": trigger, "path": r.path})
	if r.path == "" {
		log.Debug("Config reload requested without a config file, ignoring")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		log.WithError(err).Error("Config reload failed, keeping current config")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		log.WithError(err).Error("Config reload rejected")
		return
	}
	if r.callback != nil {
		if err := r.callback(old.Clone(), next.Clone()); err != nil {
			log.WithError(err).Error("Config reload callback failed, keeping current config")
			return
		}
	}
	r.current = next
	log.Info("Config reloaded")
}

// validateReloadSafety rejects changes to settings that require a restart:
// anything that alters how stored data is encrypted or where it lives.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	checks := []struct {
		field    string
		old, new interface{}
	}{
		{"encryption.preferred_algorithm", old.Encryption.PreferredAlgorithm, new.Encryption.PreferredAlgorithm},
		{"encryption.supported_algorithms", old.Encryption.SupportedAlgorithms, new.Encryption.SupportedAlgorithms},
		{"encryption.rotation_interval", old.Encryption.RotationInterval, new.Encryption.RotationInterval},
		{"encryption.master_key_name", old.Encryption.MasterKeyName, new.Encryption.MasterKeyName},
		{"encryption.kek_secret_name", old.Encryption.KEKSecretName, new.Encryption.KEKSecretName},
		{"encryption.secrets", old.Encryption.Secrets, new.Encryption.Secrets},
		{"storage.backend", old.Storage.Backend, new.Storage.Backend},
		{"storage.bucket", old.Storage.Bucket, new.Storage.Bucket},
		{"storage.endpoint", old.Storage.Endpoint, new.Storage.Endpoint},
		{"database.dsn", old.Database.DSN, new.Database.DSN},
		{"audit.sink", old.Audit.Sink, new.Audit.Sink},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(normalizeEmpty(c.old), normalizeEmpty(c.new)) {
			return fmt.Errorf("%s cannot be changed during hot reload", c.field)
		}
	}
	return nil
}

// normalizeEmpty treats nil and empty slices as equal.
func normalizeEmpty(v interface{}) interface{} {
	if s, ok := v.([]string); ok && len(s) == 0 {
		return []string(nil)
	}
	return v
}
