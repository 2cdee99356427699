package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.ListenAddr)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, "memory", config.Storage.Backend)
	assert.Equal(t, 30*time.Second, config.Storage.TransmitTimeout)
	assert.Equal(t, 24*time.Hour, config.Encryption.RotationInterval)
	assert.Equal(t, 30*24*time.Hour, config.Encryption.MaxAge)
	assert.Equal(t, "HIPAA-2024", config.Audit.ComplianceVersion)
	assert.Equal(t, []string{"email", "phone", "ssn", "patientId", "medicalId", "userId"}, config.Audit.SensitiveFields)
	assert.Equal(t, 30*time.Minute, config.Identity.SessionTimeout)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	yaml := `
listen_addr: ":9443"
storage:
  backend: minio
  bucket: scans
  endpoint: localhost:9000
  access_key: minio
  secret_key: minio123
  transmit_timeout: 10s
validation:
  general:
    max_file_size: 2097152
  upload:
    max_file_size: 1048576
    allowed_types: ["image/png"]
audit:
  sink: memory
  compliance_version: HIPAA-2025
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", config.ListenAddr)
	assert.Equal(t, "minio", config.Storage.Backend)
	assert.Equal(t, 10*time.Second, config.Storage.TransmitTimeout)
	assert.Equal(t, int64(1048576), config.Validation.Upload.MaxFileSize)
	assert.Equal(t, []string{"image/png"}, config.Validation.Upload.AllowedTypes)
	assert.Equal(t, int64(2097152), config.Validation.General.MaxFileSize)
	assert.Empty(t, config.Validation.General.AllowedTypes)
	assert.Equal(t, "HIPAA-2025", config.Audit.ComplianceVersion)
	// untouched sections keep defaults
	assert.Equal(t, "AES256-GCM", config.Encryption.PreferredAlgorithm)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", config.ListenAddr)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("STORAGE_ENDPOINT", "http://localhost:9000")
	t.Setenv("STORAGE_ACCESS_KEY", "test-key")
	t.Setenv("STORAGE_SECRET_KEY", "test-secret")
	t.Setenv("STORAGE_USE_PATH_STYLE", "true")
	t.Setenv("AUDIT_SENSITIVE_FIELDS", "email, ssn ,")
	t.Setenv("AUDIT_BUFFER_SIZE", "-4")
	t.Setenv("ENCRYPTION_ROTATION_INTERVAL", "12h")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.ListenAddr)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "s3", config.Storage.Backend)
	assert.Equal(t, "http://localhost:9000", config.Storage.Endpoint)
	assert.True(t, config.Storage.UsePathStyle)
	assert.Equal(t, []string{"email", "ssn"}, config.Audit.SensitiveFields)
	assert.Equal(t, 1024, config.Audit.BufferSize, "non-positive values are ignored")
	assert.Equal(t, 12*time.Hour, config.Encryption.RotationInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.ListenAddr = "" },
			wantErr: "listen_addr is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "invalid log_level",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "gcs" },
			wantErr: "invalid storage.backend",
		},
		{
			name:    "s3 without credentials",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: "storage.access_key and storage.secret_key are required",
		},
		{
			name: "minio without endpoint",
			mutate: func(c *Config) {
				c.Storage.Backend = "minio"
				c.Storage.AccessKey = "a"
				c.Storage.SecretKey = "b"
			},
			wantErr: "storage.endpoint is required",
		},
		{
			name:    "unsupported algorithm",
			mutate:  func(c *Config) { c.Encryption.PreferredAlgorithm = "ChaCha20-Poly1305" },
			wantErr: "invalid encryption.preferred_algorithm",
		},
		{
			name:    "zero rotation interval",
			mutate:  func(c *Config) { c.Encryption.RotationInterval = 0 },
			wantErr: "encryption.rotation_interval must be positive",
		},
		{
			name:    "file secrets without dir",
			mutate:  func(c *Config) { c.Encryption.Secrets.Provider = "file" },
			wantErr: "encryption.secrets.dir is required",
		},
		{
			name:    "postgres audit without database",
			mutate:  func(c *Config) { c.Audit.Sink = "postgres" },
			wantErr: "database.dsn is required",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.TLS.Enabled = true },
			wantErr: "tls.cert_file is required",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "tracing.otlp_endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Clone(t *testing.T) {
	c := Default()
	c.Validation.Upload.AllowedTypes = []string{"image/png"}
	c.Validation.General.SuspiciousPatterns = []string{".exe"}

	cp := c.Clone()
	cp.Audit.SensitiveFields[0] = "changed"
	cp.Validation.Upload.AllowedTypes[0] = "changed"
	cp.Validation.General.SuspiciousPatterns[0] = "changed"

	assert.Equal(t, "email", c.Audit.SensitiveFields[0])
	assert.Equal(t, "image/png", c.Validation.Upload.AllowedTypes[0])
	assert.Equal(t, ".exe", c.Validation.General.SuspiciousPatterns[0])
}
