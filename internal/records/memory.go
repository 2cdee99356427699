package records

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*UploadRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*UploadRecord)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *UploadRecord) error {
	if !rec.Status.validAtCreate() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, rec.Status)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[cp.ID]; exists {
		return fmt.Errorf("upload record %s already exists", cp.ID)
	}
	s.records[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetByFileID(ctx context.Context, fileID string) (*UploadRecord, error) {
	if fileID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.FileID == fileID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, fileID, message string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.FileID = fileID
	rec.Message = message
	return nil
}

func (s *MemoryStore) List(ctx context.Context, page Page) (*List, error) {
	return s.filter(page, func(*UploadRecord) bool { return true }), nil
}

func (s *MemoryStore) Search(ctx context.Context, query string, page Page) (*List, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.List(ctx, page)
	}
	return s.filter(page, func(r *UploadRecord) bool {
		return strings.Contains(strings.ToLower(r.FileName), q) ||
			strings.Contains(strings.ToLower(r.UserEmail), q) ||
			strings.Contains(strings.ToLower(r.FileID), q)
	}), nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &Stats{ByStatus: map[Status]int{StatusUploaded: 0, StatusFailed: 0, StatusDeleted: 0}}
	for _, r := range s.records {
		st.Total++
		st.ByStatus[r.Status]++
	}
	return st, nil
}

func (s *MemoryStore) filter(page Page, match func(*UploadRecord) bool) *List {
	page = page.Normalize()

	s.mu.RLock()
	matched := make([]*UploadRecord, 0, len(s.records))
	for _, r := range s.records {
		if match(r) {
			cp := *r
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UploadTime.Equal(matched[j].UploadTime) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].UploadTime.After(matched[j].UploadTime)
	})

	out := &List{Records: []*UploadRecord{}, Total: len(matched), Page: page.Page, Limit: page.Limit}
	start := page.offset()
	if start >= len(matched) {
		return out
	}
	end := start + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out.Records = matched[start:end]
	return out
}
