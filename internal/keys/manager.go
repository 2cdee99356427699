// Package keys stores, retrieves and rotates master key material.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-image-vault/internal/metrics"
)

const (
	// MasterKeyName is the default name rotation writes to.
	MasterKeyName = "master"
	// DefaultRotationInterval is how long a master key stays active.
	DefaultRotationInterval = 24 * time.Hour
	// DefaultKEKSecretName is the secret the key-encryption key is derived from.
	DefaultKEKSecretName = "kek-secret"
)

// Config configures a Manager.
type Config struct {
	KEKSecretName    string
	MasterKeyName    string
	RotationInterval time.Duration
	TokenLength      int
}

// Manager stores named keys wrapped under a KEK sourced from a SecretsProvider.
type Manager struct {
	store   Store
	secrets SecretsProvider
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	mu      sync.Mutex // serializes version allocation
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the diagnostic logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records rotations.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a key manager.
func NewManager(store Store, secrets SecretsProvider, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("key store cannot be nil")
	}
	if secrets == nil {
		return nil, fmt.Errorf("secrets provider cannot be nil")
	}
	if cfg.KEKSecretName == "" {
		cfg.KEKSecretName = DefaultKEKSecretName
	}
	if cfg.MasterKeyName == "" {
		cfg.MasterKeyName = MasterKeyName
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.TokenLength <= 0 {
		cfg.TokenLength = DefaultTokenLength
	}

	m := &Manager{
		store:   store,
		secrets: secrets,
		cfg:     cfg,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MasterKeyName returns the entry rotation writes to.
func (m *Manager) MasterKeyName() string {
	return m.cfg.MasterKeyName
}

// RotationInterval returns the configured interval.
func (m *Manager) RotationInterval() time.Duration {
	return m.cfg.RotationInterval
}

func (m *Manager) kek(ctx context.Context) ([]byte, error) {
	secret, err := m.secrets.GetSecret(ctx, m.cfg.KEKSecretName)
	if err != nil {
		return nil, fmt.Errorf("failed to load key-encryption secret: %w", err)
	}
	return deriveKEK(secret)
}

// StoreKey stores value as the next version of name.
func (m *Manager) StoreKey(ctx context.Context, name, value string) (*KeyMaterial, error) {
	if name == "" {
		return nil, fmt.Errorf("key name cannot be empty")
	}
	if value == "" {
		return nil, fmt.Errorf("key value cannot be empty")
	}

	kek, err := m.kek(ctx)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	m.mu.Lock()
	defer m.mu.Unlock()

	version := 1
	latest, err := m.store.Latest(ctx, name)
	switch {
	case err == nil:
		version = latest.Version + 1
	case !errors.Is(err, ErrKeyNotFound):
		return nil, fmt.Errorf("failed to read latest key version: %w", err)
	}

	wrapped, err := wrapKey(kek, name, version, []byte(value))
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	km := &KeyMaterial{
		KeyID:            uuid.NewString(),
		Name:             name,
		Version:          version,
		WrappedKey:       wrapped,
		CreatedAt:        now,
		RotationDeadline: now.Add(m.cfg.RotationInterval),
	}
	if err := m.store.Put(ctx, km); err != nil {
		return nil, fmt.Errorf("failed to store key %s v%d: %w", name, version, err)
	}

	m.logger.WithFields(logrus.Fields{
		"key_name":    name,
		"key_version": version,
		"key_id":      km.KeyID,
	}).Info("Stored key version")
	return km, nil
}

// RetrieveKey returns the newest version of name.
func (m *Manager) RetrieveKey(ctx context.Context, name string) (string, error) {
	value, _, err := m.ActiveKey(ctx, name)
	return value, err
}

// ActiveKey returns the newest version of name together with its version number.
func (m *Manager) ActiveKey(ctx context.Context, name string) (string, int, error) {
	km, err := m.store.Latest(ctx, name)
	if err != nil {
		return "", 0, err
	}
	value, err := m.unwrap(ctx, km)
	if err != nil {
		return "", 0, err
	}
	return value, km.Version, nil
}

// RetrieveKeyVersion returns a specific, possibly superseded, version of name.
func (m *Manager) RetrieveKeyVersion(ctx context.Context, name string, version int) (string, error) {
	km, err := m.store.Version(ctx, name, version)
	if err != nil {
		return "", err
	}
	return m.unwrap(ctx, km)
}

// ActiveVersion returns the newest version number of name.
func (m *Manager) ActiveVersion(ctx context.Context, name string) (int, error) {
	km, err := m.store.Latest(ctx, name)
	if err != nil {
		return 0, err
	}
	return km.Version, nil
}

// Versions lists stored versions of name without their key values.
func (m *Manager) Versions(ctx context.Context, name string) ([]*KeyMaterial, error) {
	versions, err := m.store.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, km := range versions {
		km.WrappedKey = nil
	}
	return versions, nil
}

func (m *Manager) unwrap(ctx context.Context, km *KeyMaterial) (string, error) {
	kek, err := m.kek(ctx)
	if err != nil {
		return "", err
	}
	defer zero(kek)

	value, err := unwrapKey(kek, km.Name, km.Version, km.WrappedKey)
	if err != nil {
		return "", fmt.Errorf("key %s v%d: %w", km.Name, km.Version, err)
	}
	return string(value), nil
}

// ShouldRotateKeys reports whether the master key is due for rotation:
// never rotated, or rotated longer than the interval ago.
func (m *Manager) ShouldRotateKeys(ctx context.Context) (bool, error) {
	last, err := m.store.LastRotation(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read rotation time: %w", err)
	}
	if last.IsZero() {
		return true, nil
	}
	return m.now().Sub(last) > m.cfg.RotationInterval, nil
}

// RotateKeys generates a fresh master key, stores it as the next version and
// records the rotation time. Previous versions remain retrievable.
func (m *Manager) RotateKeys(ctx context.Context) (*KeyMaterial, error) {
	token, err := GenerateSecureToken(m.cfg.TokenLength)
	if err != nil {
		m.metrics.RecordKeyRotation(false)
		return nil, err
	}

	km, err := m.StoreKey(ctx, m.cfg.MasterKeyName, token)
	if err != nil {
		m.metrics.RecordKeyRotation(false)
		m.logger.WithError(err).Error("Key rotation failed")
		return nil, err
	}

	if err := m.store.RecordRotation(ctx, km.CreatedAt); err != nil {
		m.metrics.RecordKeyRotation(false)
		return nil, fmt.Errorf("failed to record rotation: %w", err)
	}

	m.metrics.RecordKeyRotation(true)
	m.logger.WithFields(logrus.Fields{
		"key_version":       km.Version,
		"rotation_deadline": km.RotationDeadline,
	}).Info("Master key rotated")
	return km, nil
}

// EnsureMasterKey rotates once when no master key exists yet.
func (m *Manager) EnsureMasterKey(ctx context.Context) error {
	_, err := m.store.Latest(ctx, m.cfg.MasterKeyName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	_, err = m.RotateKeys(ctx)
	return err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
