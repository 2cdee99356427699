package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*Object)}
}

func (s *MemoryStore) PutEncryptedObject(ctx context.Context, obj *Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	stored := clone(obj)
	stored.FileID = id

	s.mu.Lock()
	s.objects[id] = stored
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) GetEncryptedObject(ctx context.Context, fileID string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[fileID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(obj), nil
}

func (s *MemoryStore) DeleteEncryptedObject(ctx context.Context, fileID string) error {
	s.mu.Lock()
	delete(s.objects, fileID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
