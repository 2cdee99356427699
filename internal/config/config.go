package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr  string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel    string           `yaml:"log_level" env:"LOG_LEVEL"`
	Storage     StorageConfig    `yaml:"storage"`
	Database    DatabaseConfig   `yaml:"database"`
	Encryption  EncryptionConfig `yaml:"encryption"`
	Validation  ValidationConfig `yaml:"validation"`
	Audit       AuditConfig      `yaml:"audit"`
	Queue       QueueConfig      `yaml:"queue"`
	Identity    IdentityConfig   `yaml:"identity"`
	Cache       CacheConfig      `yaml:"cache"`
	TLS         TLSConfig        `yaml:"tls"`
	Server      ServerConfig     `yaml:"server"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Logging     LoggingConfig    `yaml:"logging"`
	Tracing     TracingConfig    `yaml:"tracing"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	PolicyFiles []string         `yaml:"policy_files" env:"POLICY_FILES"`
}

// StorageConfig selects and configures the encrypted object store.
type StorageConfig struct {
	Backend         string        `yaml:"backend" env:"STORAGE_BACKEND"` // memory, s3, minio
	Bucket          string        `yaml:"bucket" env:"STORAGE_BUCKET"`
	Prefix          string        `yaml:"prefix" env:"STORAGE_PREFIX"`
	Endpoint        string        `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	Region          string        `yaml:"region" env:"STORAGE_REGION"`
	AccessKey       string        `yaml:"access_key" env:"STORAGE_ACCESS_KEY"`
	SecretKey       string        `yaml:"secret_key" env:"STORAGE_SECRET_KEY"`
	UseSSL          bool          `yaml:"use_ssl" env:"STORAGE_USE_SSL"`
	UsePathStyle    bool          `yaml:"use_path_style" env:"STORAGE_USE_PATH_STYLE"`
	TransmitTimeout time.Duration `yaml:"transmit_timeout" env:"STORAGE_TRANSMIT_TIMEOUT"`
}

// DatabaseConfig holds PostgreSQL settings. An empty DSN keeps every
// store in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_DSN"`
	MaxConns        int32         `yaml:"max_conns" env:"DATABASE_MAX_CONNS"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

// EncryptionConfig holds encryption-related configuration.
type EncryptionConfig struct {
	PreferredAlgorithm  string        `yaml:"preferred_algorithm" env:"ENCRYPTION_PREFERRED_ALGORITHM"`
	SupportedAlgorithms []string      `yaml:"supported_algorithms" env:"ENCRYPTION_SUPPORTED_ALGORITHMS"`
	RotationInterval    time.Duration `yaml:"rotation_interval" env:"ENCRYPTION_ROTATION_INTERVAL"`
	MaxAge              time.Duration `yaml:"max_age" env:"ENCRYPTION_MAX_AGE"`
	MasterKeyName       string        `yaml:"master_key_name" env:"ENCRYPTION_MASTER_KEY_NAME"`
	KEKSecretName       string        `yaml:"kek_secret_name" env:"ENCRYPTION_KEK_SECRET_NAME"`
	Secrets             SecretsConfig `yaml:"secrets"`
}

// SecretsConfig selects where secrets such as the KEK seed come from.
type SecretsConfig struct {
	Provider  string `yaml:"provider" env:"SECRETS_PROVIDER"` // env, file
	EnvPrefix string `yaml:"env_prefix" env:"SECRETS_ENV_PREFIX"`
	Dir       string `yaml:"dir" env:"SECRETS_DIR"`
}

// ProfileConfig overrides one validation profile. Zero values keep the
// built-in limits.
type ProfileConfig struct {
	MaxFileSize        int64    `yaml:"max_file_size"`
	AllowedTypes       []string `yaml:"allowed_types"`
	SuspiciousPatterns []string `yaml:"suspicious_patterns"`
}

// ValidationConfig holds overrides for the two validation profiles. The
// general profile backs the pre-flight validate route; the upload profile
// guards the upload path.
type ValidationConfig struct {
	General ProfileConfig `yaml:"general"`
	Upload  ProfileConfig `yaml:"upload"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled           bool          `yaml:"enabled" env:"AUDIT_ENABLED"`
	Sink              string        `yaml:"sink" env:"AUDIT_SINK"` // memory, postgres, queue
	BufferSize        int           `yaml:"buffer_size" env:"AUDIT_BUFFER_SIZE"`
	MaxEvents         int           `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
	MaxRetries        int           `yaml:"max_retries" env:"AUDIT_MAX_RETRIES"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" env:"AUDIT_RETRY_BACKOFF"`
	ComplianceVersion string        `yaml:"compliance_version" env:"AUDIT_COMPLIANCE_VERSION"`
	Mirror            bool          `yaml:"mirror" env:"AUDIT_MIRROR"` // Also write anonymized entries to the log
	SensitiveFields   []string      `yaml:"sensitive_fields" env:"AUDIT_SENSITIVE_FIELDS"`
}

// QueueConfig holds the Redis-backed task queue settings used by the audit
// queue sink and the worker command.
type QueueConfig struct {
	RedisAddr     string `yaml:"redis_addr" env:"QUEUE_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"QUEUE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"QUEUE_REDIS_DB"`
	Name          string `yaml:"name" env:"QUEUE_NAME"`
	Concurrency   int    `yaml:"concurrency" env:"QUEUE_CONCURRENCY"`
	MaxRetry      int    `yaml:"max_retry" env:"QUEUE_MAX_RETRY"`
}

// IdentityConfig configures bearer token authentication and sessions.
type IdentityConfig struct {
	JWTSecretName  string        `yaml:"jwt_secret_name" env:"IDENTITY_JWT_SECRET_NAME"`
	Issuer         string        `yaml:"issuer" env:"IDENTITY_ISSUER"`
	SessionTimeout time.Duration `yaml:"session_timeout" env:"IDENTITY_SESSION_TIMEOUT"`
}

// CacheConfig holds ciphertext cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`       // Max size in bytes
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`     // Max number of items
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"` // Default TTL
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// LoggingConfig controls HTTP access logging.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Storage: StorageConfig{
			Backend:         "memory",
			Bucket:          "secure-images",
			Region:          "us-east-1",
			UseSSL:          true,
			TransmitTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnIdleTime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Encryption: EncryptionConfig{
			PreferredAlgorithm: "AES256-GCM",
			RotationInterval:   24 * time.Hour,
			MaxAge:             30 * 24 * time.Hour,
			MasterKeyName:      "master",
			KEKSecretName:      "kek-secret",
			Secrets: SecretsConfig{
				Provider:  "env",
				EnvPrefix: "VAULT_SECRET_",
			},
		},
		Audit: AuditConfig{
			Enabled:           true,
			Sink:              "memory",
			BufferSize:        1024,
			MaxEvents:         10000,
			MaxRetries:        3,
			RetryBackoff:      100 * time.Millisecond,
			ComplianceVersion: "HIPAA-2024",
			SensitiveFields:   []string{"email", "phone", "ssn", "patientId", "medicalId", "userId"},
		},
		Queue: QueueConfig{
			RedisAddr:   "127.0.0.1:6379",
			Name:        "audit",
			Concurrency: 5,
			MaxRetry:    10,
		},
		Identity: IdentityConfig{
			JWTSecretName:  "jwt-secret",
			SessionTimeout: 30 * time.Minute,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			ShutdownTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxSize:    100 * 1024 * 1024, // 100MB default
			MaxItems:   1000,
			DefaultTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "set-cookie"},
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "secure-image-vault",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envList("POLICY_FILES", &config.PolicyFiles)

	envString("STORAGE_BACKEND", &config.Storage.Backend)
	envString("STORAGE_BUCKET", &config.Storage.Bucket)
	envString("STORAGE_PREFIX", &config.Storage.Prefix)
	envString("STORAGE_ENDPOINT", &config.Storage.Endpoint)
	envString("STORAGE_REGION", &config.Storage.Region)
	envString("STORAGE_ACCESS_KEY", &config.Storage.AccessKey)
	envString("STORAGE_SECRET_KEY", &config.Storage.SecretKey)
	envBool("STORAGE_USE_SSL", &config.Storage.UseSSL)
	envBool("STORAGE_USE_PATH_STYLE", &config.Storage.UsePathStyle)
	envDuration("STORAGE_TRANSMIT_TIMEOUT", &config.Storage.TransmitTimeout)

	envString("DATABASE_DSN", &config.Database.DSN)
	if v := os.Getenv("DATABASE_MAX_CONNS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n > 0 {
			config.Database.MaxConns = int32(n)
		}
	}
	envDuration("DATABASE_MAX_CONN_IDLE_TIME", &config.Database.MaxConnIdleTime)
	envBool("DATABASE_AUTO_MIGRATE", &config.Database.AutoMigrate)

	envString("ENCRYPTION_PREFERRED_ALGORITHM", &config.Encryption.PreferredAlgorithm)
	envList("ENCRYPTION_SUPPORTED_ALGORITHMS", &config.Encryption.SupportedAlgorithms)
	envDuration("ENCRYPTION_ROTATION_INTERVAL", &config.Encryption.RotationInterval)
	envDuration("ENCRYPTION_MAX_AGE", &config.Encryption.MaxAge)
	envString("ENCRYPTION_MASTER_KEY_NAME", &config.Encryption.MasterKeyName)
	envString("ENCRYPTION_KEK_SECRET_NAME", &config.Encryption.KEKSecretName)
	envString("SECRETS_PROVIDER", &config.Encryption.Secrets.Provider)
	envString("SECRETS_ENV_PREFIX", &config.Encryption.Secrets.EnvPrefix)
	envString("SECRETS_DIR", &config.Encryption.Secrets.Dir)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envString("AUDIT_SINK", &config.Audit.Sink)
	envInt("AUDIT_BUFFER_SIZE", &config.Audit.BufferSize)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)
	envInt("AUDIT_MAX_RETRIES", &config.Audit.MaxRetries)
	envDuration("AUDIT_RETRY_BACKOFF", &config.Audit.RetryBackoff)
	envString("AUDIT_COMPLIANCE_VERSION", &config.Audit.ComplianceVersion)
	envBool("AUDIT_MIRROR", &config.Audit.Mirror)
	envList("AUDIT_SENSITIVE_FIELDS", &config.Audit.SensitiveFields)

	envString("QUEUE_REDIS_ADDR", &config.Queue.RedisAddr)
	envString("QUEUE_REDIS_PASSWORD", &config.Queue.RedisPassword)
	envInt("QUEUE_REDIS_DB", &config.Queue.RedisDB)
	envString("QUEUE_NAME", &config.Queue.Name)
	envInt("QUEUE_CONCURRENCY", &config.Queue.Concurrency)
	envInt("QUEUE_MAX_RETRY", &config.Queue.MaxRetry)

	envString("IDENTITY_JWT_SECRET_NAME", &config.Identity.JWTSecretName)
	envString("IDENTITY_ISSUER", &config.Identity.Issuer)
	envDuration("IDENTITY_SESSION_TIMEOUT", &config.Identity.SessionTimeout)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		var maxSize int64
		if _, err := fmt.Sscanf(v, "%d", &maxSize); err == nil && maxSize > 0 {
			config.Cache.MaxSize = maxSize
		}
	}
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// envInt ignores non-positive values.
func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// envList reads a comma-separated list.
func envList(name string, dst *[]string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "s3", "minio":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the %s backend", c.Storage.Backend)
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage.access_key and storage.secret_key are required for the %s backend", c.Storage.Backend)
		}
		if c.Storage.Backend == "minio" && c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be memory, s3, or minio)", c.Storage.Backend)
	}
	if c.Storage.TransmitTimeout <= 0 {
		return fmt.Errorf("storage.transmit_timeout must be positive")
	}

	allowed := map[string]bool{
		"AES256-GCM":         true,
		"XChaCha20-Poly1305": true,
	}
	if alg := strings.TrimSpace(c.Encryption.PreferredAlgorithm); alg != "" && !allowed[alg] {
		return fmt.Errorf("invalid encryption.preferred_algorithm: %s", alg)
	}
	for _, alg := range c.Encryption.SupportedAlgorithms {
		if !allowed[strings.TrimSpace(alg)] {
			return fmt.Errorf("invalid entry in encryption.supported_algorithms: %s", alg)
		}
	}
	if c.Encryption.RotationInterval <= 0 {
		return fmt.Errorf("encryption.rotation_interval must be positive")
	}
	if c.Encryption.MaxAge <= 0 {
		return fmt.Errorf("encryption.max_age must be positive")
	}
	if c.Encryption.KEKSecretName == "" {
		return fmt.Errorf("encryption.kek_secret_name is required")
	}
	switch c.Encryption.Secrets.Provider {
	case "env":
	case "file":
		if c.Encryption.Secrets.Dir == "" {
			return fmt.Errorf("encryption.secrets.dir is required for the file secrets provider")
		}
	default:
		return fmt.Errorf("invalid encryption.secrets.provider: %s (must be env or file)", c.Encryption.Secrets.Provider)
	}

	if c.Audit.Enabled {
		switch c.Audit.Sink {
		case "memory", "postgres", "queue":
		default:
			return fmt.Errorf("invalid audit.sink: %s (must be memory, postgres, or queue)", c.Audit.Sink)
		}
		if c.Audit.Sink == "postgres" && c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres audit sink")
		}
		if c.Audit.Sink == "queue" && c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr is required for the queue audit sink")
		}
		if c.Audit.BufferSize <= 0 {
			return fmt.Errorf("audit.buffer_size must be positive")
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.PolicyFiles = append([]string(nil), c.PolicyFiles...)
	cp.Encryption.SupportedAlgorithms = append([]string(nil), c.Encryption.SupportedAlgorithms...)
	cp.Validation.General = c.Validation.General.clone()
	cp.Validation.Upload = c.Validation.Upload.clone()
	cp.Audit.SensitiveFields = append([]string(nil), c.Audit.SensitiveFields...)
	cp.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	return &cp
}

func (p ProfileConfig) clone() ProfileConfig {
	p.AllowedTypes = append([]string(nil), p.AllowedTypes...)
	p.SuspiciousPatterns = append([]string(nil), p.SuspiciousPatterns...)
	return p
}
