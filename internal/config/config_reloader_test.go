package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewConfigReloader(t *testing.T) {
	logger := quietLogger()

	// SIGHUP only
	reloader, err := NewConfigReloader("", Default(), logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
	reloader.Stop()

	configPath := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0644))

	reloader, err = NewConfigReloader(configPath, Default(), logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
}

func TestConfigReloader_FileWatching(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\nrate_limit:\n  enabled: false\n"), 0644))

	initial, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initial, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var calls int64
	olds := make(chan *Config, 4)
	news := make(chan *Config, 4)
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&calls, 1)
		select {
		case olds <- old:
			news <- new
		default:
		}
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	updated := "log_level: debug\nrate_limit:\n  enabled: true\n  limit: 200\n  window: 120s\n"
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0644))

	select {
	case old := <-olds:
		assert.Equal(t, "info", old.LogLevel)
		assert.Equal(t, "debug", (<-news).LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback was not invoked")
	}

	assert.Eventually(t, func() bool {
		cur := reloader.GetCurrentConfig()
		return cur.LogLevel == "debug" && cur.RateLimit.Limit == 200
	}, time.Second, 10*time.Millisecond)
}

func TestConfigReloader_RejectsUnsafeChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0644))

	initial, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initial, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var calls int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})

	require.NoError(t, os.WriteFile(configPath, []byte("log_level: debug\nencryption:\n  preferred_algorithm: XChaCha20-Poly1305\n"), 0644))
	reloader.reload("test")

	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}

func TestConfigReloader_SIGHUP(t *testing.T) {
	reloader, err := NewConfigReloader("", Default(), quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	process, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, process.Signal(syscall.SIGHUP))

	// Without a file the signal is logged and ignored.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}

func TestValidateReloadSafety(t *testing.T) {
	reloader, err := NewConfigReloader("", Default(), quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{
			name: "safe changes allowed",
			mutate: func(c *Config) {
				c.LogLevel = "debug"
				c.RateLimit.Limit = 5
				c.Audit.SensitiveFields = []string{"email"}
			},
		},
		{
			name:     "algorithm change rejected",
			mutate:   func(c *Config) { c.Encryption.PreferredAlgorithm = "XChaCha20-Poly1305" },
			errorMsg: "encryption.preferred_algorithm cannot be changed during hot reload",
		},
		{
			name:     "supported algorithms change rejected",
			mutate:   func(c *Config) { c.Encryption.SupportedAlgorithms = []string{"AES256-GCM"} },
			errorMsg: "encryption.supported_algorithms cannot be changed during hot reload",
		},
		{
			name:     "kek secret change rejected",
			mutate:   func(c *Config) { c.Encryption.KEKSecretName = "other" },
			errorMsg: "encryption.kek_secret_name cannot be changed during hot reload",
		},
		{
			name:     "storage backend change rejected",
			mutate:   func(c *Config) { c.Storage.Backend = "s3" },
			errorMsg: "storage.backend cannot be changed during hot reload",
		},
		{
			name:     "database change rejected",
			mutate:   func(c *Config) { c.Database.DSN = "postgres://elsewhere" },
			errorMsg: "database.dsn cannot be changed during hot reload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := Default()
			next := Default()
			tt.mutate(next)
			err := reloader.validateReloadSafety(old, next)
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{LogLevel: "info"}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "info", current.LogLevel)

	current.LogLevel = "debug"
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}
