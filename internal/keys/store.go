package keys

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrKeyNotFound is returned when no key has been stored under a name or version.
	ErrKeyNotFound = errors.New("key not found")
	// ErrVersionExists is returned when a key version is written twice.
	ErrVersionExists = errors.New("key version already exists")
)

// KeyMaterial is one stored version of a named key. Superseded versions are
// kept so older payloads stay decryptable.
type KeyMaterial struct {
	KeyID            string
	Name             string
	Version          int
	WrappedKey       []byte
	CreatedAt        time.Time
	RotationDeadline time.Time
}

// Store persists key versions and the rotation log. Implementations must be
// safe for concurrent use and must never overwrite an existing version.
type Store interface {
	Put(ctx context.Context, km *KeyMaterial) error
	Latest(ctx context.Context, name string) (*KeyMaterial, error)
	Version(ctx context.Context, name string, version int) (*KeyMaterial, error)
	Versions(ctx context.Context, name string) ([]*KeyMaterial, error)
	RecordRotation(ctx context.Context, at time.Time) error
	LastRotation(ctx context.Context) (time.Time, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	keys      map[string][]*KeyMaterial
	rotations []time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]*KeyMaterial)}
}

func (s *MemoryStore) Put(_ context.Context, km *KeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.keys[km.Name] {
		if existing.Version == km.Version {
			return ErrVersionExists
		}
	}
	cp := *km
	cp.WrappedKey = append([]byte(nil), km.WrappedKey...)
	s.keys[km.Name] = append(s.keys[km.Name], &cp)
	sort.Slice(s.keys[km.Name], func(i, j int) bool {
		return s.keys[km.Name][i].Version < s.keys[km.Name][j].Version
	})
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, name string) (*KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.keys[name]
	if len(versions) == 0 {
		return nil, ErrKeyNotFound
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (s *MemoryStore) Version(_ context.Context, name string, version int) (*KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, km := range s.keys[name] {
		if km.Version == version {
			cp := *km
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) Versions(_ context.Context, name string) ([]*KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*KeyMaterial, 0, len(s.keys[name]))
	for _, km := range s.keys[name] {
		cp := *km
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) RecordRotation(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations = append(s.rotations, at)
	return nil
}

// LastRotation returns the zero time when no rotation was ever recorded.
func (s *MemoryStore) LastRotation(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, t := range s.rotations {
		if t.After(last) {
			last = t
		}
	}
	return last, nil
}
