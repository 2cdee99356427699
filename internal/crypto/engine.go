package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// SchemaVersion is the only envelope format this engine reads and writes.
	SchemaVersion = "2.0"

	// DefaultMaxAge is how long a payload stays decryptable after creation.
	DefaultMaxAge = 30 * 24 * time.Hour
)

var (
	// ErrDecryption covers malformed payloads, wrong keys and tampering.
	ErrDecryption = errors.New("decryption failed")
	// ErrUnsupportedVersion is returned for envelopes of an unknown schema.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported envelope version", ErrDecryption)
	// ErrUserVerificationFailed means the payload belongs to another user.
	ErrUserVerificationFailed = errors.New("user verification failed")
	// ErrDataExpired means the payload is older than the engine's max age.
	ErrDataExpired = errors.New("data expired")
)

// EncryptedPayload is one sealed envelope. The nonce must travel with the ciphertext.
type EncryptedPayload struct {
	Ciphertext    []byte
	Nonce         string // hex, NonceSize bytes
	CreatedAt     time.Time
	SchemaVersion string
	Algorithm     string
}

// Expectation holds the metadata a caller requires on decryption.
type Expectation struct {
	UserID string
}

// DecryptResult is the structured outcome of DecryptWithVerification.
// Callers must check Success before reading Data.
type DecryptResult struct {
	Success  bool
	Data     []byte
	Metadata *Metadata
	Err      error
	Error    string
}

type envelope struct {
	Data     []byte   `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Engine seals and opens payloads with an AEAD cipher.
type Engine struct {
	preferredAlgorithm  string
	supportedAlgorithms []string
	maxAge              time.Duration
	now                 func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithAlgorithms sets the preferred and accepted algorithms.
func WithAlgorithms(cfg AlgorithmConfig) Option {
	return func(e *Engine) {
		if cfg.PreferredAlgorithm != "" {
			e.preferredAlgorithm = cfg.PreferredAlgorithm
		}
		if len(cfg.SupportedAlgorithms) > 0 {
			e.supportedAlgorithms = cfg.SupportedAlgorithms
		}
	}
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxAge = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an encryption engine.
func NewEngine(opts ...Option) (*Engine, error) {
	def := DefaultAlgorithmConfig()
	e := &Engine{
		preferredAlgorithm:  def.PreferredAlgorithm,
		supportedAlgorithms: def.SupportedAlgorithms,
		maxAge:              DefaultMaxAge,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if !isAlgorithmSupported(e.preferredAlgorithm, e.supportedAlgorithms) {
		return nil, fmt.Errorf("preferred algorithm %s is not in supported algorithms list", e.preferredAlgorithm)
	}
	for _, alg := range e.supportedAlgorithms {
		if !isAlgorithmSupported(alg, nil) {
			return nil, fmt.Errorf("unsupported algorithm: %s", alg)
		}
	}
	return e, nil
}

// PreferredAlgorithm returns the algorithm used for new payloads.
func (e *Engine) PreferredAlgorithm() string {
	return e.preferredAlgorithm
}

// MaxAge returns the payload expiry window.
func (e *Engine) MaxAge() time.Duration {
	return e.maxAge
}

// EncryptWithMetadata seals plaintext together with the caller's metadata.
// A fresh random nonce is drawn for every call.
func (e *Engine) EncryptWithMetadata(plaintext []byte, key Key, fields map[string]string) (*EncryptedPayload, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	now := e.now()
	md := Metadata{
		Fields:    make(map[string]string, len(fields)),
		Timestamp: now.UnixMilli(),
		Nonce:     hex.EncodeToString(nonce),
		Version:   SchemaVersion,
	}
	for k, v := range fields {
		md.Fields[k] = v
	}

	serialized, err := json.Marshal(envelope{Data: plaintext, Metadata: md})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	defer zeroBytes(serialized)

	aead, err := createAEADCipher(e.preferredAlgorithm, key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	iv, err := cipherNonce(e.preferredAlgorithm, nonce)
	if err != nil {
		return nil, err
	}

	aad := buildAAD(e.preferredAlgorithm, nonce, SchemaVersion)
	ciphertext := aead.Seal(nil, iv, serialized, aad)

	return &EncryptedPayload{
		Ciphertext:    ciphertext,
		Nonce:         md.Nonce,
		CreatedAt:     time.UnixMilli(md.Timestamp),
		SchemaVersion: SchemaVersion,
		Algorithm:     e.preferredAlgorithm,
	}, nil
}

// DecryptWithVerification opens a payload and checks owner and age.
// It never panics; every failure is reported in the result.
func (e *Engine) DecryptWithVerification(payload *EncryptedPayload, key Key, expect Expectation) *DecryptResult {
	env, err := e.open(payload, key)
	if err != nil {
		return failed(err)
	}

	if expect.UserID != "" && subtle.ConstantTimeCompare([]byte(expect.UserID), []byte(env.Metadata.UserID())) != 1 {
		return failed(ErrUserVerificationFailed)
	}

	if e.now().UnixMilli()-env.Metadata.Timestamp > e.maxAge.Milliseconds() {
		return failed(ErrDataExpired)
	}

	md := env.Metadata
	return &DecryptResult{
		Success:  true,
		Data:     env.Data,
		Metadata: &md,
	}
}

func (e *Engine) open(payload *EncryptedPayload, key Key) (*envelope, error) {
	if payload == nil || len(payload.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecryption)
	}
	if payload.SchemaVersion != SchemaVersion {
		return nil, ErrUnsupportedVersion
	}

	algorithm := payload.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmAES256GCM
	}
	if !isAlgorithmSupported(algorithm, e.supportedAlgorithms) {
		return nil, fmt.Errorf("%w: algorithm %s not accepted", ErrDecryption, algorithm)
	}

	nonce, err := hex.DecodeString(payload.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid nonce encoding", ErrDecryption)
	}
	iv, err := cipherNonce(algorithm, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	aead, err := createAEADCipher(algorithm, key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := aead.Open(nil, iv, payload.Ciphertext, buildAAD(algorithm, nonce, payload.SchemaVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	defer zeroBytes(plaintext)

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryption)
	}
	if env.Metadata.Version != SchemaVersion {
		return nil, ErrUnsupportedVersion
	}
	if env.Metadata.Nonce != payload.Nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrDecryption)
	}
	return &env, nil
}

func failed(err error) *DecryptResult {
	return &DecryptResult{Success: false, Err: err, Error: err.Error()}
}

func generateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// buildAAD binds the algorithm, nonce and schema version to the ciphertext.
func buildAAD(algorithm string, nonce []byte, version string) []byte {
	var b bytes.Buffer
	b.WriteString("alg:")
	b.WriteString(algorithm)
	b.WriteString("|iv:")
	b.WriteString(hex.EncodeToString(nonce))
	b.WriteString("|v:")
	b.WriteString(version)
	return b.Bytes()
}

// zeroBytes overwrites a byte slice with zeros for secure memory cleanup.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
