// Package upload drives a file from validation through hashing and
// encryption to storage, reporting every step.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
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
	"github.com/kenneth/secure-image-vault/internal/records"
	"github.com/kenneth/secure-image-vault/internal/storage"
	"github.com/kenneth/secure-image-vault/internal/validation"
)

const (
	// DefaultTransmitTimeout bounds the storage call.
	DefaultTransmitTimeout = 30 * time.Second
	// AnonymousUser owns uploads submitted without an email.
	AnonymousUser = "anonymous"

	cleanupTimeout = 10 * time.Second
	sniffLen       = 512
)

// KeySource returns the active master key and its version.
type KeySource interface {
	ActiveKey(ctx context.Context, name string) (string, int, error)
}

// Submission is one user-initiated upload.
type Submission struct {
	// Key identifies the submit action for double-submit protection. It is
	// scoped to UserEmail. Without it the session, owner, file name and
	// content identify the action.
	Key       string
	FileName  string
	MimeType  string
	UserEmail string
	Data      []byte
	OnStatus  StatusFunc
}

func (s Submission) key(ctx context.Context) string {
	if s.Key != "" {
		return s.UserEmail + "\x00" + s.Key
	}
	return strings.Join([]string{
		audit.RequestInfoFrom(ctx).SessionID,
		s.UserEmail,
		s.FileName,
		crypto.Hash(s.Data),
	}, "\x00")
}

// Result is the terminal outcome of Submit.
type Result struct {
	State    State
	FileID   string
	RecordID string
	Hash     string
	Message  string
	Err      error
}

// Succeeded reports whether the file was stored.
func (r *Result) Succeeded() bool {
	return r.State == StateSucceeded
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Validator *validation.Validator
	Engine    *crypto.Engine
	Keys      KeySource
	Store     storage.ObjectStore
	Records   records.Store
	Audit     audit.Logger
}

// Orchestrator runs upload attempts. It is safe for concurrent use.
type Orchestrator struct {
	deps             Deps
	logger           *logrus.Logger
	metrics          *metrics.Metrics
	tracer           trace.Tracer
	transmitTimeout  time.Duration
	rotationInterval time.Duration
	masterKeyName    string
	now              func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *logrus.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTransmitTimeout overrides DefaultTransmitTimeout.
func WithTransmitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.transmitTimeout = d
		}
	}
}

// WithRotationInterval sets the key derivation epoch length.
func WithRotationInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.rotationInterval = d
		}
	}
}

// WithMasterKeyName selects the key manager entry used for derivation.
func WithMasterKeyName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.masterKeyName = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator. A nil Audit logger records nothing.
func NewOrchestrator(deps Deps, opts ...Option) *Orchestrator {
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	o := &Orchestrator{
		deps:             deps,
		logger:           logrus.StandardLogger(),
		tracer:           otel.Tracer("github.com/kenneth/secure-image-vault/internal/upload"),
		transmitTimeout:  DefaultTransmitTimeout,
		rotationInterval: crypto.DefaultRotationInterval,
		masterKeyName:    keys.MasterKeyName,
		now:              time.Now,
		inFlight:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DescribeSelection is the status line shown when a file is picked.
func DescribeSelection(name string, size int64) string {
	return fmt.Sprintf("Selected: %s (%.2f MB)", name, float64(size)/1024/1024)
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[key]; busy {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.inFlight, key)
	o.mu.Unlock()
}

// attempt carries the state of one Submit call.
type attempt struct {
	o      *Orchestrator
	sub    Submission
	log    *logrus.Entry
	span   trace.Span
	state  State
	hash   string
	start  time.Time
	record *records.UploadRecord
}

func (a *attempt) set(state State, msg string) {
	a.state = state
	a.span.AddEvent(state.String())
	if a.sub.OnStatus != nil {
		a.sub.OnStatus(Status{State: state, Message: msg})
	}
}

// fail moves the attempt to Failed. Once hashing has started a failed
// record is written so the attempt shows up in the upload log.
func (a *attempt) fail(ctx context.Context, err error, msg string) *Result {
	stage := a.state
	a.set(StateFailed, msg)
	a.o.metrics.RecordUpload("failed", stage.String())
	a.span.RecordError(err)
	a.span.SetStatus(codes.Error, msg)
	a.log.WithError(err).WithField("stage", stage.String()).Warn("Upload failed")

	res := &Result{State: StateFailed, Hash: a.hash, Message: msg, Err: err}
	if stage >= StateHashing {
		res.RecordID = a.persist(ctx, records.StatusFailed, "", err.Error())
	}
	return res
}

// persist writes the record even if ctx was cancelled.
func (a *attempt) persist(ctx context.Context, status records.Status, fileID, message string) string {
	rec := &records.UploadRecord{
		FileID:       fileID,
		FileName:     a.sub.FileName,
		UserEmail:    a.sub.UserEmail,
		UploadTime:   a.start,
		Status:       status,
		OriginalSize: int64(len(a.sub.Data)),
		OriginalHash: a.hash,
		MimeType:     a.sub.MimeType,
		Message:      message,
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := a.o.deps.Records.Create(wctx, rec); err != nil {
		a.log.WithError(err).Error("Failed to persist upload record")
		return ""
	}
	a.record = rec
	return rec.ID
}

// Submit runs one attempt to completion. Failures are reported in the
// result, never as a panic or a partially stored upload.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) *Result {
	if sub.UserEmail == "" {
		sub.UserEmail = AnonymousUser
	}
	key := sub.key(ctx)
	if !o.acquire(key) {
		return &Result{State: StateIdle, Message: "An upload for this file is already in progress.", Err: ErrAttemptInFlight}
	}
	defer o.release(key)

	ctx, span := o.tracer.Start(ctx, "upload.Submit", trace.WithAttributes(
		attribute.String("upload.file_name", sub.FileName),
		attribute.String("upload.mime_type", sub.MimeType),
		attribute.Int("upload.size", len(sub.Data)),
	))
	defer span.End()

	a := &attempt{
		o:     o,
		sub:   sub,
		span:  span,
		start: o.now().UTC(),
		log: o.logger.WithFields(logrus.Fields{
			"file_name": sub.FileName,
			"size":      len(sub.Data),
		}),
	}

	if sub.FileName == "" && len(sub.Data) == 0 {
		return a.fail(ctx, ErrNoFile, "Please select an image file first.")
	}

	// Validating
	a.set(StateValidating, "Validating file...")
	if err := o.validate(sub); err != nil {
		return a.fail(ctx, err, "Validation failed: "+strings.Join(reasons(err), "; "))
	}
	if ctx.Err() != nil {
		return a.fail(ctx, ErrCancelled, "Upload cancelled.")
	}

	// Hashing
	a.set(StateHashing, "Generating security hash...")
	a.hash = crypto.ContentDigest(sub.Data)
	if ctx.Err() != nil {
		return a.fail(ctx, ErrCancelled, "Upload cancelled.")
	}

	// Encrypting
	a.set(StateEncrypting, "Encrypting image data...")
	obj, err := o.encrypt(ctx, a)
	if err != nil {
		return a.fail(ctx, err, "Error processing file. Please try again.")
	}
	if ctx.Err() != nil {
		return a.fail(ctx, ErrCancelled, "Upload cancelled.")
	}

	// Transmitting
	a.set(StateTransmitting, "Uploading encrypted data...")
	tctx, cancel := context.WithTimeout(ctx, o.transmitTimeout)
	fileID, err := o.deps.Store.PutEncryptedObject(tctx, obj)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return a.fail(ctx, ErrCancelled, "Upload cancelled.")
		}
		return a.fail(ctx, &TransmissionError{Err: err}, "Upload failed. Please try again.")
	}

	// An abort that raced the transmission must not leave a stored file.
	if ctx.Err() != nil {
		o.discard(ctx, a, fileID)
		return a.fail(ctx, ErrCancelled, "Upload cancelled.")
	}

	recordID := a.persist(ctx, records.StatusUploaded, fileID, "")
	if recordID == "" {
		o.discard(ctx, a, fileID)
		return a.fail(ctx, errors.New("upload record could not be saved"), "Upload failed. Please try again.")
	}

	o.deps.Audit.LogAccess(ctx, audit.ActionUpload, fileID, sub.UserEmail, map[string]interface{}{
		"fileName":     sub.FileName,
		"mimeType":     sub.MimeType,
		"originalSize": len(sub.Data),
		"originalHash": a.hash,
		"recordId":     recordID,
		"keyVersion":   obj.KeyVersion,
	})

	msg := "Upload successful! File ID: " + fileID
	a.set(StateSucceeded, msg)
	o.metrics.RecordUpload("succeeded", StateTransmitting.String())
	span.SetAttributes(attribute.String("upload.file_id", fileID))
	a.log.WithFields(logrus.Fields{"file_id": fileID, "record_id": recordID}).Info("Upload stored")

	return &Result{State: StateSucceeded, FileID: fileID, RecordID: recordID, Hash: a.hash, Message: msg}
}

func (o *Orchestrator) validate(sub Submission) error {
	v := o.deps.Validator
	res := v.Validate(validation.FileInfo{Size: int64(len(sub.Data)), Type: sub.MimeType, Name: sub.FileName})
	if res.Valid {
		head := sub.Data
		if len(head) > sniffLen {
			head = head[:sniffLen]
		}
		res = v.ValidateContent(sub.MimeType, head)
	}
	return res.Err(v.Profile().Name)
}

func (o *Orchestrator) encrypt(ctx context.Context, a *attempt) (*storage.Object, error) {
	masterKey, version, err := o.deps.Keys.ActiveKey(ctx, o.masterKeyName)
	if err != nil {
		return nil, fmt.Errorf("resolve master key: %w", err)
	}

	// The derivation instant is stored so the key can be recomputed later.
	derivedAt := o.now().UTC().Truncate(time.Millisecond)
	key := crypto.DeriveUserKey(a.sub.UserEmail, masterKey, derivedAt, o.rotationInterval)

	start := time.Now()
	payload, err := o.deps.Engine.EncryptWithMetadata(a.sub.Data, key, map[string]string{
		crypto.MetaUserID: a.sub.UserEmail,
		"fileName":        a.sub.FileName,
		"mimeType":        a.sub.MimeType,
		"originalHash":    a.hash,
		"originalSize":    strconv.Itoa(len(a.sub.Data)),
	})
	if err != nil {
		o.metrics.RecordEncryptionError("encrypt", "seal")
		return nil, err
	}
	o.metrics.RecordEncryptionOperation("encrypt", time.Since(start), int64(len(a.sub.Data)))

	return &storage.Object{
		Ciphertext:    payload.Ciphertext,
		Nonce:         payload.Nonce,
		Algorithm:     payload.Algorithm,
		SchemaVersion: payload.SchemaVersion,
		CreatedAt:     derivedAt,
		KeyVersion:    version,
		FileName:      a.sub.FileName,
		OriginalHash:  a.hash,
		OwnerEmail:    a.sub.UserEmail,
		OriginalSize:  int64(len(a.sub.Data)),
		MimeType:      a.sub.MimeType,
		KeyInterval:   o.rotationInterval,
	}, nil
}

// discard deletes a stored object best-effort.
func (o *Orchestrator) discard(ctx context.Context, a *attempt, fileID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.deps.Store.DeleteEncryptedObject(dctx, fileID); err != nil {
		a.log.WithError(err).WithField("file_id", fileID).Error("Failed to remove object of aborted upload")
	}
}

func reasons(err error) []string {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return verr.Reasons
	}
	return []string{err.Error()}
}
