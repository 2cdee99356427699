package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-image-vault/internal/cache"
)

func sampleObject() *Object {
	return &Object{
		Ciphertext:    []byte{0x01, 0x02, 0x03, 0xff},
		Nonce:         "00112233445566778899aabbccddeeff",
		Algorithm:     "AES256-GCM",
		SchemaVersion: "2.0",
		CreatedAt:     time.UnixMilli(1717243200123).UTC(),
		KeyVersion:    3,
		FileName:      "chest scan (1).jpg",
		OriginalHash:  "abc123",
		OwnerEmail:    "a@b.com",
		OriginalSize:  2048,
		MimeType:      "image/jpeg",
		KeyInterval:   24 * time.Hour,
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	obj := sampleObject()
	md := EncodeMetadata(obj)
	assert.Equal(t, "chest+scan+%281%29.jpg", md[MetaFileName])

	// S3 and MinIO hand headers back with their own casing.
	upper := make(map[string]string, len(md))
	for k, v := range md {
		upper[strings.ToUpper(k[:1])+k[1:]] = v
	}

	back, err := DecodeMetadata("file-1", obj.Ciphertext, upper)
	require.NoError(t, err)
	obj.FileID = "file-1"
	assert.Equal(t, obj, back)
}

func TestDecodeMetadata_Invalid(t *testing.T) {
	_, err := DecodeMetadata("f", nil, map[string]string{})
	assert.Error(t, err)

	md := EncodeMetadata(sampleObject())
	md[MetaKeyVersion] = "three"
	_, err = DecodeMetadata("f", nil, md)
	assert.ErrorContains(t, err, MetaKeyVersion)

	md = EncodeMetadata(sampleObject())
	md[MetaKeyInterval] = "-5"
	_, err = DecodeMetadata("f", nil, md)
	assert.ErrorContains(t, err, MetaKeyInterval)
}

func TestDecodeMetadata_WithoutKeyInterval(t *testing.T) {
	md := EncodeMetadata(sampleObject())
	assert.Equal(t, "86400000", md[MetaKeyInterval])

	delete(md, MetaKeyInterval)
	obj, err := DecodeMetadata("f", nil, md)
	require.NoError(t, err)
	assert.Zero(t, obj.KeyInterval)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	obj := sampleObject()
	id, err := store.PutEncryptedObject(ctx, obj)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// stored copy is isolated from the caller's buffer
	obj.Ciphertext[0] = 0xee

	got, err := store.GetEncryptedObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.FileID)
	assert.Equal(t, byte(0x01), got.Ciphertext[0])

	_, err = store.GetEncryptedObject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteEncryptedObject(ctx, id))
	require.NoError(t, store.DeleteEncryptedObject(ctx, id))
	_, err = store.GetEncryptedObject(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().PutEncryptedObject(ctx, sampleObject())
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeS3 records requests and serves objects from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := *in.Bucket + "/" + *in.Key
	f.objects[key] = body
	f.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := *in.Bucket + "/" + *in.Key
	body, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body)), Metadata: f.meta[key]}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := *in.Bucket + "/" + *in.Key
	delete(f.objects, key)
	delete(f.meta, key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newS3Store(fake, "scans", "vault", nil)

	id, err := store.PutEncryptedObject(ctx, sampleObject())
	require.NoError(t, err)
	assert.Contains(t, fake.objects, "scans/vault/"+id)

	got, err := store.GetEncryptedObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.FileID)
	assert.Equal(t, "chest scan (1).jpg", got.FileName)
	assert.Equal(t, 3, got.KeyVersion)
	assert.Equal(t, sampleObject().Ciphertext, got.Ciphertext)

	_, err = store.GetEncryptedObject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteEncryptedObject(ctx, id))
	assert.Empty(t, fake.objects)
}

func TestS3Store_PutError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = context.DeadlineExceeded
	store := newS3Store(fake, "scans", "", nil)

	_, err := store.PutEncryptedObject(context.Background(), sampleObject())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "timeout", errorType(err))
}

// countingStore counts backend reads.
type countingStore struct {
	ObjectStore
	gets int
}

func (c *countingStore) GetEncryptedObject(ctx context.Context, id string) (*Object, error) {
	c.gets++
	return c.ObjectStore.GetEncryptedObject(ctx, id)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{ObjectStore: NewMemoryStore()}
	store := NewCachedStore(backend, cache.NewMemoryCache(1<<20, 10, time.Minute), logrus.New())

	id, err := store.PutEncryptedObject(ctx, sampleObject())
	require.NoError(t, err)

	first, err := store.GetEncryptedObject(ctx, id)
	require.NoError(t, err)
	second, err := store.GetEncryptedObject(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 1, backend.gets)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), store.Stats().Hits)

	// callers mutating the returned ciphertext must not poison the cache
	second.Ciphertext[0] = 0x00
	third, err := store.GetEncryptedObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), third.Ciphertext[0])

	require.NoError(t, store.DeleteEncryptedObject(ctx, id))
	_, err = store.GetEncryptedObject(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

// pausingStore holds the first read after the backend answered.
type pausingStore struct {
	ObjectStore
	fetched chan struct{}
	resume  chan struct{}
	once    sync.Once
}

func (p *pausingStore) GetEncryptedObject(ctx context.Context, id string) (*Object, error) {
	obj, err := p.ObjectStore.GetEncryptedObject(ctx, id)
	p.once.Do(func() {
		close(p.fetched)
		<-p.resume
	})
	return obj, err
}

func TestCachedStore_DeleteDuringRead(t *testing.T) {
	ctx := context.Background()
	backend := &pausingStore{ObjectStore: NewMemoryStore(), fetched: make(chan struct{}), resume: make(chan struct{})}
	store := NewCachedStore(backend, cache.NewMemoryCache(1<<20, 10, time.Minute), logrus.New())

	id, err := store.PutEncryptedObject(ctx, sampleObject())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := store.GetEncryptedObject(ctx, id)
		done <- err
	}()

	select {
	case <-backend.fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("read never reached the backend")
	}
	require.NoError(t, store.DeleteEncryptedObject(ctx, id))
	close(backend.resume)
	require.NoError(t, <-done)

	_, err = store.GetEncryptedObject(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound, "deleted object must not be served from cache")
}
