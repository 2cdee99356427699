package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-image-vault/internal/audit"
	"github.com/kenneth/secure-image-vault/internal/crypto"
	"github.com/kenneth/secure-image-vault/internal/keys"
	"github.com/kenneth/secure-image-vault/internal/records"
	"github.com/kenneth/secure-image-vault/internal/storage"
	"github.com/kenneth/secure-image-vault/internal/validation"
)

var jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")

func jpeg(size int) []byte {
	data := make([]byte, size)
	copy(data, jpegHeader)
	return data
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	orch    *Orchestrator
	store   *storage.MemoryStore
	records *records.MemoryStore
	sink    *audit.MemorySink
	audit   *audit.Dispatcher
	keys    *keys.Manager
}

func newFixture(t *testing.T, store storage.ObjectStore, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	km, err := keys.NewManager(keys.NewMemoryStore(), keys.StaticSecrets{keys.DefaultKEKSecretName: "test-kek"}, keys.Config{}, keys.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, km.EnsureMasterKey(ctx))

	engine, err := crypto.NewEngine()
	require.NoError(t, err)

	mem := storage.NewMemoryStore()
	if store == nil {
		store = mem
	}
	sink := audit.NewMemorySink(100)
	dispatcher := audit.NewDispatcher(audit.DefaultConfig(), []audit.Sink{sink}, audit.WithDiagnostics(quietLogger()))
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	recs := records.NewMemoryStore()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	orch := NewOrchestrator(Deps{
		Validator: validation.New(validation.UploadProfile()),
		Engine:    engine,
		Keys:      km,
		Store:     store,
		Records:   recs,
		Audit:     dispatcher,
	}, opts...)

	return &fixture{orch: orch, store: mem, records: recs, sink: sink, audit: dispatcher, keys: km}
}

func (f *fixture) auditEntries(t *testing.T, filter audit.Filter) []*audit.Entry {
	t.Helper()
	require.NoError(t, f.audit.Flush(context.Background()))
	entries, err := f.sink.Query(context.Background(), filter)
	require.NoError(t, err)
	return entries
}

func (f *fixture) allRecords(t *testing.T) []*records.UploadRecord {
	t.Helper()
	list, err := f.records.List(context.Background(), records.Page{Limit: records.MaxLimit})
	require.NoError(t, err)
	return list.Records
}

func TestSubmit_ScanJPEG(t *testing.T) {
	f := newFixture(t, nil)
	data := jpeg(5 * 1024 * 1024)

	var states []State
	res := f.orch.Submit(context.Background(), Submission{
		FileName:  "scan.jpg",
		MimeType:  "image/jpeg",
		UserEmail: "a@b.com",
		Data:      data,
		OnStatus:  func(s Status) { states = append(states, s.State) },
	})

	require.NoError(t, res.Err)
	require.True(t, res.Succeeded())
	require.NotEmpty(t, res.FileID)
	assert.Equal(t, "Upload successful! File ID: "+res.FileID, res.Message)
	assert.Equal(t, crypto.ContentDigest(data), res.Hash)
	assert.Equal(t, []State{StateValidating, StateHashing, StateEncrypting, StateTransmitting, StateSucceeded}, states)

	obj, err := f.store.GetEncryptedObject(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", obj.OwnerEmail)
	assert.Equal(t, 1, obj.KeyVersion)
	assert.False(t, bytes.Contains(obj.Ciphertext, jpegHeader), "stored bytes must be encrypted")

	rec, err := f.records.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, records.StatusUploaded, rec.Status)
	assert.Equal(t, res.FileID, rec.FileID)
	assert.Equal(t, int64(len(data)), rec.OriginalSize)
	assert.Equal(t, res.Hash, rec.OriginalHash)

	entries := f.auditEntries(t, audit.Filter{ResourceID: res.FileID})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionUpload, entries[0].Action)
	assert.Equal(t, "a@b.com", entries[0].UserID)
	assert.Equal(t, "scan.jpg", entries[0].AdditionalData["fileName"])
}

func TestSubmit_ValidationFailure(t *testing.T) {
	f := newFixture(t, nil)

	var last Status
	res := f.orch.Submit(context.Background(), Submission{
		FileName:  "payload.exe",
		MimeType:  "image/jpeg",
		UserEmail: "a@b.com",
		Data:      jpeg(1024),
		OnStatus:  func(s Status) { last = s },
	})

	assert.Equal(t, StateFailed, res.State)
	var verr *validation.Error
	require.True(t, errors.As(res.Err, &verr))
	assert.Equal(t, []string{validation.ReasonSuspiciousName}, verr.Reasons)
	assert.Equal(t, "Validation failed: "+validation.ReasonSuspiciousName, res.Message)
	assert.Equal(t, StateFailed, last.State)

	assert.Empty(t, res.Hash, "no hashing after validation failure")
	assert.Empty(t, f.allRecords(t))
	assert.Empty(t, f.auditEntries(t, audit.Filter{}))
	assert.Equal(t, 0, f.store.Len())
}

func TestSubmit_ContentMismatch(t *testing.T) {
	f := newFixture(t, nil)

	res := f.orch.Submit(context.Background(), Submission{
		FileName: "photo.png",
		MimeType: "image/png",
		Data:     jpeg(1024),
	})

	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Message, "does not match content")
	assert.Empty(t, f.allRecords(t))
}

func TestSubmit_NoFile(t *testing.T) {
	f := newFixture(t, nil)
	res := f.orch.Submit(context.Background(), Submission{})
	assert.ErrorIs(t, res.Err, ErrNoFile)
	assert.Equal(t, "Please select an image file first.", res.Message)
}

type failingStore struct {
	storage.ObjectStore
	err error
}

func (s failingStore) PutEncryptedObject(ctx context.Context, obj *storage.Object) (string, error) {
	return "", s.err
}

func TestSubmit_TransmissionFailure(t *testing.T) {
	f := newFixture(t, failingStore{err: errors.New("connection reset")})

	res := f.orch.Submit(context.Background(), Submission{
		FileName:  "scan.jpg",
		MimeType:  "image/jpeg",
		UserEmail: "a@b.com",
		Data:      jpeg(2048),
	})

	assert.Equal(t, StateFailed, res.State)
	var terr *TransmissionError
	require.True(t, errors.As(res.Err, &terr))
	assert.Equal(t, "Upload failed. Please try again.", res.Message)

	recs := f.allRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, records.StatusFailed, recs[0].Status)
	assert.Empty(t, recs[0].FileID)
	assert.NotEmpty(t, recs[0].OriginalHash)
	assert.Empty(t, f.auditEntries(t, audit.Filter{Action: audit.ActionUpload}))
}

// blockingStore waits until released or the context ends.
type blockingStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{MemoryStore: storage.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingStore) PutEncryptedObject(ctx context.Context, obj *storage.Object) (string, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return s.MemoryStore.PutEncryptedObject(context.Background(), obj)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSubmit_TransmitTimeout(t *testing.T) {
	f := newFixture(t, newBlockingStore(), WithTransmitTimeout(20*time.Millisecond))

	res := f.orch.Submit(context.Background(), Submission{
		FileName: "scan.jpg",
		MimeType: "image/jpeg",
		Data:     jpeg(2048),
	})

	assert.Equal(t, StateFailed, res.State)
	var terr *TransmissionError
	require.True(t, errors.As(res.Err, &terr))
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestSubmit_SingleAttemptInFlight(t *testing.T) {
	store := newBlockingStore()
	f := newFixture(t, store)

	sub := Submission{FileName: "scan.jpg", MimeType: "image/jpeg", UserEmail: "a@b.com", Data: jpeg(2048)}
	done := make(chan *Result, 1)
	go func() { done <- f.orch.Submit(context.Background(), sub) }()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first attempt never reached storage")
	}

	second := f.orch.Submit(context.Background(), sub)
	assert.ErrorIs(t, second.Err, ErrAttemptInFlight)
	assert.Equal(t, StateIdle, second.State)

	// a different file is independent
	other := sub
	other.FileName = "other.jpg"
	otherDone := make(chan *Result, 1)
	go func() { otherDone <- f.orch.Submit(context.Background(), other) }()

	close(store.release)
	first := <-done
	require.True(t, first.Succeeded(), first.Message)
	require.True(t, (<-otherDone).Succeeded())

	// once finished the same submission may be retried
	again := f.orch.Submit(context.Background(), sub)
	assert.True(t, again.Succeeded())
}

// gateStore reports every write and holds it until released.
type gateStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gateStore) PutEncryptedObject(ctx context.Context, obj *storage.Object) (string, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.PutEncryptedObject(ctx, obj)
}

func TestSubmit_InFlightKeyIsPerSubmission(t *testing.T) {
	store := &gateStore{MemoryStore: storage.NewMemoryStore(), entered: make(chan struct{}, 8), release: make(chan struct{})}
	f := newFixture(t, store)

	clientA := audit.WithRequestInfo(context.Background(), audit.RequestInfo{SessionID: "sess_1700000000000_aaaaaaaaa"})
	clientB := audit.WithRequestInfo(context.Background(), audit.RequestInfo{SessionID: "sess_1700000000000_bbbbbbbbb"})
	scan := Submission{FileName: "scan.jpg", MimeType: "image/jpeg", Data: jpeg(2048)}
	otherScan := scan
	otherScan.Data = jpeg(4096)

	done := make(chan *Result, 4)
	waitEntered := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			select {
			case <-store.entered:
			case <-time.After(2 * time.Second):
				t.Fatal("upload never reached storage")
			}
		}
	}

	go func() { done <- f.orch.Submit(clientA, scan) }()
	waitEntered(1)

	// the same client pressing submit twice
	dup := f.orch.Submit(clientA, scan)
	assert.ErrorIs(t, dup.Err, ErrAttemptInFlight)

	// unrelated anonymous clients uploading a file with the same name
	go func() { done <- f.orch.Submit(clientB, otherScan) }()
	go func() { done <- f.orch.Submit(clientB, scan) }()
	go func() { done <- f.orch.Submit(clientA, otherScan) }()
	waitEntered(3)

	close(store.release)
	for i := 0; i < 4; i++ {
		res := <-done
		assert.True(t, res.Succeeded(), res.Message)
	}
}

func TestSubmit_IdempotencyKeyScopedToUser(t *testing.T) {
	store := &gateStore{MemoryStore: storage.NewMemoryStore(), entered: make(chan struct{}, 4), release: make(chan struct{})}
	f := newFixture(t, store)

	sub := Submission{Key: "req-1", FileName: "scan.jpg", MimeType: "image/jpeg", UserEmail: "a@b.com", Data: jpeg(2048)}
	done := make(chan *Result, 2)
	go func() { done <- f.orch.Submit(context.Background(), sub) }()
	<-store.entered

	retry := sub
	retry.Data = jpeg(4096)
	assert.ErrorIs(t, f.orch.Submit(context.Background(), retry).Err, ErrAttemptInFlight)

	other := sub
	other.UserEmail = "c@d.com"
	go func() { done <- f.orch.Submit(context.Background(), other) }()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("second user's upload was blocked")
	}

	close(store.release)
	assert.True(t, (<-done).Succeeded())
	assert.True(t, (<-done).Succeeded())
}

// cancelAfterPut stores the object and then aborts the caller's context.
type cancelAfterPut struct {
	*storage.MemoryStore
	cancel context.CancelFunc
}

func (s *cancelAfterPut) PutEncryptedObject(ctx context.Context, obj *storage.Object) (string, error) {
	id, err := s.MemoryStore.PutEncryptedObject(ctx, obj)
	s.cancel()
	return id, err
}

func TestSubmit_CancelledAfterTransmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterPut{MemoryStore: storage.NewMemoryStore(), cancel: cancel}
	f := newFixture(t, store)

	res := f.orch.Submit(ctx, Submission{FileName: "scan.jpg", MimeType: "image/jpeg", UserEmail: "a@b.com", Data: jpeg(2048)})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Equal(t, 0, store.Len(), "stored object must be removed")

	recs := f.allRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, records.StatusFailed, recs[0].Status)
	assert.Empty(t, f.auditEntries(t, audit.Filter{Action: audit.ActionUpload}))
}

func TestSubmit_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.orch.Submit(ctx, Submission{FileName: "scan.jpg", MimeType: "image/jpeg", Data: jpeg(2048)})
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Empty(t, f.allRecords(t), "nothing was processed")
	assert.Equal(t, 0, f.store.Len())
}

type missingKeys struct{}

func (missingKeys) ActiveKey(context.Context, string) (string, int, error) {
	return "", 0, keys.ErrKeyNotFound
}

func TestSubmit_KeyNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.deps.Keys = missingKeys{}

	res := f.orch.Submit(context.Background(), Submission{FileName: "scan.jpg", MimeType: "image/jpeg", UserEmail: "a@b.com", Data: jpeg(2048)})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, keys.ErrKeyNotFound)
	recs := f.allRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, records.StatusFailed, recs[0].Status)
	assert.Equal(t, 0, f.store.Len())
}

func TestSubmit_AnonymousUser(t *testing.T) {
	f := newFixture(t, nil)
	res := f.orch.Submit(context.Background(), Submission{FileName: "scan.jpg", MimeType: "image/jpeg", Data: jpeg(2048)})
	require.True(t, res.Succeeded())

	obj, err := f.store.GetEncryptedObject(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, AnonymousUser, obj.OwnerEmail)
}

func TestDescribeSelection(t *testing.T) {
	assert.Equal(t, "Selected: scan.jpg (5.00 MB)", DescribeSelection("scan.jpg", 5*1024*1024))
	assert.Equal(t, "Selected: tiny.png (0.00 MB)", DescribeSelection("tiny.png", 12))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "transmitting", StateTransmitting.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateEncrypting.Terminal())
}
