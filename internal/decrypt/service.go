// Package decrypt reverses the upload pipeline: it fetches a stored object,
// recomputes the key it was sealed under and verifies what comes out.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/secure-image-vault/internal/audit"
	"github.com/kenneth/secure-image-vault/internal/crypto"
	"github.com/kenneth/secure-image-vault/internal/keys"
	"github.com/kenneth/secure-image-vault/internal/metrics"
	"github.com/kenneth/secure-image-vault/internal/storage"
)

// ErrIntegrity means the plaintext no longer matches the hash taken at upload.
var ErrIntegrity = errors.New("integrity check failed")

// Purpose says why the caller wants the plaintext.
type Purpose string

const (
	PurposeView     Purpose = "view"
	PurposeDownload Purpose = "download"
	PurposeDecrypt  Purpose = "decrypt"
)

// KeyResolver returns historical master key versions.
type KeyResolver interface {
	RetrieveKeyVersion(ctx context.Context, name string, version int) (string, error)
	ActiveVersion(ctx context.Context, name string) (int, error)
}

// Request identifies the file and the requesting user.
type Request struct {
	FileID string
	UserID string
	// Purpose defaults to PurposeDecrypt.
	Purpose Purpose
	// VerifyHash re-checks the plaintext against the upload hash.
	VerifyHash bool
	// ExpectOwner requires UserID to match the embedded owner.
	ExpectOwner bool
}

// Result is the outcome of Decrypt. Data is only set on success.
type Result struct {
	Success  bool
	Data     []byte
	FileName string
	MimeType string
	Metadata *crypto.Metadata
	Err      error
	Error    string
}

// Service decrypts stored objects.
type Service struct {
	store            storage.ObjectStore
	keys             KeyResolver
	engine           *crypto.Engine
	audit            audit.Logger
	logger           *logrus.Logger
	metrics          *metrics.Metrics
	tracer           trace.Tracer
	rotationInterval time.Duration
	masterKeyName    string
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRotationInterval is the epoch width assumed for objects stored without
// one.
func WithRotationInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.rotationInterval = d
		}
	}
}

func WithMasterKeyName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.masterKeyName = name
		}
	}
}

// NewService creates a Service. A nil audit logger records nothing.
func NewService(store storage.ObjectStore, resolver KeyResolver, engine *crypto.Engine, auditLogger audit.Logger, opts ...Option) *Service {
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	s := &Service{
		store:            store,
		keys:             resolver,
		engine:           engine,
		audit:            auditLogger,
		logger:           logrus.StandardLogger(),
		tracer:           otel.Tracer("github.com/kenneth/secure-image-vault/internal/decrypt"),
		rotationInterval: crypto.DefaultRotationInterval,
		masterKeyName:    keys.MasterKeyName,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decrypt fetches and opens req.FileID. Every call writes a decrypt audit
// entry before returning; a successful view or download writes one more.
func (s *Service) Decrypt(ctx context.Context, req Request) *Result {
	if req.Purpose == "" {
		req.Purpose = PurposeDecrypt
	}
	ctx, span := s.tracer.Start(ctx, "decrypt.Decrypt", trace.WithAttributes(
		attribute.String("decrypt.file_id", req.FileID),
		attribute.String("decrypt.purpose", string(req.Purpose)),
	))
	defer span.End()

	start := time.Now()
	res, obj := s.decrypt(ctx, req)

	outcome := "success"
	if !res.Success {
		outcome = errorLabel(res.Err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Error)
		s.metrics.RecordEncryptionError("decrypt", outcome)
		s.logger.WithError(res.Err).WithFields(logrus.Fields{
			"file_id": req.FileID,
			"purpose": req.Purpose,
		}).Warn("Decryption failed")
	} else {
		s.metrics.RecordEncryptionOperation("decrypt", time.Since(start), int64(len(res.Data)))
	}
	s.metrics.RecordDecrypt(string(req.Purpose), outcome)

	// the audited actor is always the requester, never the owner
	userID := req.UserID
	extra := map[string]interface{}{
		"success": res.Success,
		"purpose": string(req.Purpose),
	}
	if !res.Success {
		extra["error"] = res.Error
	}
	if obj != nil {
		extra["keyVersion"] = obj.KeyVersion
	}
	s.audit.LogAccess(ctx, audit.ActionDecrypt, req.FileID, userID, extra)

	if res.Success {
		switch req.Purpose {
		case PurposeView:
			s.audit.LogAccess(ctx, audit.ActionView, req.FileID, userID, map[string]interface{}{"fileName": res.FileName})
		case PurposeDownload:
			s.audit.LogAccess(ctx, audit.ActionDownload, req.FileID, userID, map[string]interface{}{"fileName": res.FileName})
		}
	}
	return res
}

func (s *Service) decrypt(ctx context.Context, req Request) (*Result, *storage.Object) {
	if req.ExpectOwner && req.UserID == "" {
		return failed(crypto.ErrUserVerificationFailed), nil
	}
	obj, err := s.store.GetEncryptedObject(ctx, req.FileID)
	if err != nil {
		return failed(fmt.Errorf("fetch object: %w", err)), nil
	}

	masterKey, err := s.keys.RetrieveKeyVersion(ctx, s.masterKeyName, obj.KeyVersion)
	if err != nil {
		return failed(fmt.Errorf("resolve master key version %d: %w", obj.KeyVersion, err)), obj
	}
	s.recordRotatedRead(ctx, obj.KeyVersion)

	interval := obj.KeyInterval
	if interval <= 0 {
		interval = s.rotationInterval
	}
	key := crypto.DeriveUserKey(obj.OwnerEmail, masterKey, obj.CreatedAt, interval)
	expect := crypto.Expectation{}
	if req.ExpectOwner {
		expect.UserID = req.UserID
	}

	out := s.engine.DecryptWithVerification(&crypto.EncryptedPayload{
		Ciphertext:    obj.Ciphertext,
		Nonce:         obj.Nonce,
		CreatedAt:     obj.CreatedAt,
		SchemaVersion: obj.SchemaVersion,
		Algorithm:     obj.Algorithm,
	}, key, expect)
	if !out.Success {
		return failed(out.Err), obj
	}

	if req.VerifyHash && !crypto.VerifyIntegrity(obj.OriginalHash, out.Data) {
		return failed(ErrIntegrity), obj
	}

	fileName, mimeType := obj.FileName, obj.MimeType
	if v := out.Metadata.Get("fileName"); v != "" {
		fileName = v
	}
	if v := out.Metadata.Get("mimeType"); v != "" {
		mimeType = v
	}
	return &Result{
		Success:  true,
		Data:     out.Data,
		FileName: fileName,
		MimeType: mimeType,
		Metadata: out.Metadata,
	}, obj
}

func (s *Service) recordRotatedRead(ctx context.Context, keyVersion int) {
	if s.metrics == nil {
		return
	}
	active, err := s.keys.ActiveVersion(ctx, s.masterKeyName)
	if err == nil && keyVersion < active {
		s.metrics.RecordRotatedRead(keyVersion, active)
	}
}

func failed(err error) *Result {
	return &Result{Success: false, Err: err, Error: err.Error()}
}

// errorLabel gives a low-cardinality metric label for err.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, crypto.ErrUserVerificationFailed):
		return "user_verification_failed"
	case errors.Is(err, crypto.ErrDataExpired):
		return "expired"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, crypto.ErrDecryption):
		return "crypto"
	default:
		return "error"
	}
}
