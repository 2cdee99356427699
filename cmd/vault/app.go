package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-image-vault/internal/api"
	"github.com/kenneth/secure-image-vault/internal/audit"
	"github.com/kenneth/secure-image-vault/internal/cache"
	"github.com/kenneth/secure-image-vault/internal/config"
	"github.com/kenneth/secure-image-vault/internal/crypto"
	"github.com/kenneth/secure-image-vault/internal/database"
	"github.com/kenneth/secure-image-vault/internal/decrypt"
	"github.com/kenneth/secure-image-vault/internal/identity"
	"github.com/kenneth/secure-image-vault/internal/keys"
	"github.com/kenneth/secure-image-vault/internal/metrics"
	"github.com/kenneth/secure-image-vault/internal/middleware"
	"github.com/kenneth/secure-image-vault/internal/records"
	"github.com/kenneth/secure-image-vault/internal/storage"
	"github.com/kenneth/secure-image-vault/internal/upload"
	"github.com/kenneth/secure-image-vault/internal/validation"
)

// app holds the components shared by the serve command.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	pool     *pgxpool.Pool
	keys     *keys.Manager
	objects  storage.ObjectStore
	records  records.Store
	audit    *audit.Dispatcher
	auditLog audit.Querier
	queue    *asynq.Client
	limiter  *middleware.RateLimiter
	handler  http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: m}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	pool, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.pool = pool

	secrets := newSecrets(cfg.Encryption.Secrets)

	a.keys, err = newKeyManager(cfg.Encryption, pool, secrets, logger, m)
	if err != nil {
		return nil, err
	}
	if err := a.keys.EnsureMasterKey(ctx); err != nil {
		return nil, fmt.Errorf("failed to provision master key: %w", err)
	}

	a.objects, err = newObjectStore(ctx, cfg, logger, m)
	if err != nil {
		return nil, err
	}
	a.records = newRecordStore(pool)

	a.audit, a.auditLog, a.queue, err = newAudit(cfg, pool, logger, m)
	if err != nil {
		return nil, err
	}

	engine, err := crypto.NewEngine(
		crypto.WithAlgorithms(crypto.AlgorithmConfig{
			PreferredAlgorithm:  cfg.Encryption.PreferredAlgorithm,
			SupportedAlgorithms: cfg.Encryption.SupportedAlgorithms,
		}),
		crypto.WithMaxAge(cfg.Encryption.MaxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption engine: %w", err)
	}

	profile := uploadProfile(cfg.Validation.Upload)
	orchestrator := upload.NewOrchestrator(upload.Deps{
		Validator: validation.New(profile),
		Engine:    engine,
		Keys:      a.keys,
		Store:     a.objects,
		Records:   a.records,
		Audit:     a.audit,
	},
		upload.WithLogger(logger),
		upload.WithMetrics(m),
		upload.WithTransmitTimeout(cfg.Storage.TransmitTimeout),
		upload.WithRotationInterval(cfg.Encryption.RotationInterval),
		upload.WithMasterKeyName(a.keys.MasterKeyName()),
	)

	decrypter := decrypt.NewService(a.objects, a.keys, engine, a.audit,
		decrypt.WithLogger(logger),
		decrypt.WithMetrics(m),
		decrypt.WithRotationInterval(cfg.Encryption.RotationInterval),
		decrypt.WithMasterKeyName(a.keys.MasterKeyName()),
	)

	policies := config.NewPolicyManager()
	if len(cfg.PolicyFiles) > 0 {
		if err := policies.LoadPolicies(cfg.PolicyFiles); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	directory := identity.NewJWTDirectory(secrets, cfg.Identity, policies)

	deps := api.Deps{
		Uploader:      orchestrator,
		Decrypter:     decrypter,
		Objects:       a.objects,
		Records:       a.records,
		Audit:         a.audit,
		AuditLog:      a.auditLog,
		Directory:     directory,
		Keys:          a.keys,
		Preflight:     validation.New(generalProfile(cfg.Validation.General)),
		MaxUploadSize: profile.MaxFileSize,
	}
	if pool != nil {
		deps.Ready = pool
	}
	if cfg.Metrics.Enabled {
		deps.MetricsPath = cfg.Metrics.Path
	}

	if cfg.RateLimit.Enabled {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
	}
	a.handler = a.router(api.NewHandler(deps, logger, m), directory)

	ok = true
	return a, nil
}

// router wires the middleware chain around the API routes. Route-aware
// middleware runs inside the mux so it can see the matched template.
func (a *app) router(h *api.Handler, auth middleware.Authenticator) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	r.Use(middleware.TracingMiddleware(a.cfg.Tracing.RedactSensitive))
	r.Use(middleware.LoggingMiddleware(a.logger, &a.cfg.Logging))
	r.Use(middleware.MetricsMiddleware(a.metrics))
	r.Use(middleware.SecurityHeadersMiddleware())
	if a.limiter != nil {
		r.Use(middleware.RateLimitMiddleware(a.limiter))
	}
	r.Use(middleware.SessionMiddleware(a.cfg.Identity.SessionTimeout, nil))
	r.Use(middleware.AuthMiddleware(auth, a.logger))

	return middleware.RecoveryMiddleware(a.logger)(r)
}

// applyReload applies the hot-reloadable settings of next.
func (a *app) applyReload(_, next *config.Config) error {
	a.logger.SetLevel(parseLevel(a.logger, next.LogLevel))
	if a.limiter != nil {
		a.limiter.SetLimit(next.RateLimit.Limit, next.RateLimit.Window)
	}
	return nil
}

// Close flushes audit entries and releases connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.audit != nil {
		if err := a.audit.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close audit dispatcher: %w", err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue client: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

// openDatabase returns nil when no DSN is configured.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		logger.Info("No database configured, using in-memory stores")
		return nil, nil
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	pool, err := database.Connect(ctx, cfg.DSN, database.Options{
		MaxConns:        cfg.MaxConns,
		MaxConnIdleTime: cfg.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func newSecrets(cfg config.SecretsConfig) keys.SecretsProvider {
	env := keys.EnvSecrets{Prefix: cfg.EnvPrefix}
	if cfg.Provider == "file" {
		return keys.ChainSecrets{keys.FileSecrets{Dir: cfg.Dir}, env}
	}
	return env
}

func newKeyManager(cfg config.EncryptionConfig, pool *pgxpool.Pool, secrets keys.SecretsProvider, logger *logrus.Logger, m *metrics.Metrics) (*keys.Manager, error) {
	var store keys.Store = keys.NewMemoryStore()
	if pool != nil {
		store = keys.NewPostgresStore(pool)
	}
	return keys.NewManager(store, secrets, keys.Config{
		KEKSecretName:    cfg.KEKSecretName,
		MasterKeyName:    cfg.MasterKeyName,
		RotationInterval: cfg.RotationInterval,
	}, keys.WithLogger(logger), keys.WithMetrics(m))
}

func newObjectStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (storage.ObjectStore, error) {
	var store storage.ObjectStore
	switch cfg.Storage.Backend {
	case "s3":
		s, err := storage.NewS3Store(ctx, cfg.Storage, m)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 store: %w", err)
		}
		store = s
	case "minio":
		s, err := storage.NewMinIOStore(ctx, cfg.Storage, m)
		if err != nil {
			return nil, fmt.Errorf("failed to create MinIO store: %w", err)
		}
		store = s
	default:
		store = storage.NewMemoryStore()
	}
	logger.WithField("backend", cfg.Storage.Backend).Info("Object store ready")

	if cfg.Cache.Enabled {
		c := cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		store = storage.NewCachedStore(store, c, logger)
	}
	return store, nil
}

func newRecordStore(pool *pgxpool.Pool) records.Store {
	if pool != nil {
		return records.NewPostgresStore(pool)
	}
	return records.NewMemoryStore()
}

func redisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// newAudit builds the dispatcher and its sinks. The returned querier is nil
// when the configured sink cannot be read back.
func newAudit(cfg *config.Config, pool *pgxpool.Pool, logger *logrus.Logger, m *metrics.Metrics) (*audit.Dispatcher, audit.Querier, *asynq.Client, error) {
	var (
		sinks   []audit.Sink
		querier audit.Querier
		client  *asynq.Client
	)

	switch cfg.Audit.Sink {
	case "postgres":
		if pool == nil {
			return nil, nil, nil, errors.New("audit sink postgres requires database.dsn")
		}
		s := audit.NewPostgresSink(pool)
		sinks = append(sinks, s)
		querier = s
	case "queue":
		client = asynq.NewClient(redisOpt(cfg.Queue))
		sinks = append(sinks, audit.NewQueueSink(client, cfg.Queue.Name, cfg.Queue.MaxRetry))
		if pool != nil {
			querier = audit.NewPostgresSink(pool)
		}
	default:
		s := audit.NewMemorySink(cfg.Audit.MaxEvents)
		sinks = append(sinks, s)
		querier = s
	}
	if cfg.Audit.Mirror {
		sinks = append(sinks, audit.NewLogrusSink(logger, cfg.Audit.SensitiveFields))
	}

	d := audit.NewDispatcher(audit.Config{
		Enabled:           cfg.Audit.Enabled,
		BufferSize:        cfg.Audit.BufferSize,
		MaxRetries:        cfg.Audit.MaxRetries,
		RetryBackoff:      cfg.Audit.RetryBackoff,
		WriteTimeout:      5 * time.Second,
		ComplianceVersion: cfg.Audit.ComplianceVersion,
	}, sinks, audit.WithDiagnostics(logger), audit.WithMetrics(m))
	return d, querier, client, nil
}

func generalProfile(cfg config.ProfileConfig) validation.Profile {
	return validation.GeneralProfile().WithOverrides(cfg.MaxFileSize, cfg.AllowedTypes, cfg.SuspiciousPatterns)
}

func uploadProfile(cfg config.ProfileConfig) validation.Profile {
	return validation.UploadProfile().WithOverrides(cfg.MaxFileSize, cfg.AllowedTypes, cfg.SuspiciousPatterns)
}
