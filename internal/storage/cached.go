package storage

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-image-vault/internal/cache"
)

// CachedStore is a read-through ciphertext cache in front of another store.
// Objects are immutable once written, so entries only leave on delete,
// expiry or eviction.
type CachedStore struct {
	next   ObjectStore
	cache  cache.Cache
	logger *logrus.Logger

	// deletes is bumped on every delete. A read that started before a
	// delete finished must not repopulate the cache.
	mu      sync.Mutex
	deletes uint64
}

// NewCachedStore wraps next with c.
func NewCachedStore(next ObjectStore, c cache.Cache, logger *logrus.Logger) *CachedStore {
	return &CachedStore{next: next, cache: c, logger: logger}
}

func (s *CachedStore) PutEncryptedObject(ctx context.Context, obj *Object) (string, error) {
	return s.next.PutEncryptedObject(ctx, obj)
}

func (s *CachedStore) GetEncryptedObject(ctx context.Context, fileID string) (*Object, error) {
	if entry, ok := s.cache.Get(ctx, fileID); ok {
		obj, err := DecodeMetadata(fileID, append([]byte(nil), entry.Data...), entry.Metadata)
		if err == nil {
			return obj, nil
		}
		_ = s.cache.Delete(ctx, fileID)
	}

	s.mu.Lock()
	gen := s.deletes
	s.mu.Unlock()

	obj, err := s.next.GetEncryptedObject(ctx, fileID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.deletes {
		return obj, nil
	}
	if err := s.cache.Set(ctx, fileID, append([]byte(nil), obj.Ciphertext...), EncodeMetadata(obj), 0); err != nil {
		s.logger.WithError(err).WithField("file_id", fileID).Debug("Object not cached")
	}
	return obj, nil
}

// DeleteEncryptedObject removes the object from the backend before evicting
// it, so concurrent reads cannot cache it again.
func (s *CachedStore) DeleteEncryptedObject(ctx context.Context, fileID string) error {
	if err := s.next.DeleteEncryptedObject(ctx, fileID); err != nil {
		return err
	}
	s.mu.Lock()
	s.deletes++
	_ = s.cache.Delete(ctx, fileID)
	s.mu.Unlock()
	return nil
}

// Stats exposes the underlying cache statistics.
func (s *CachedStore) Stats() cache.CacheStats {
	return s.cache.Stats()
}
