package audit

import (
	"context"
	"sort"
	"sync"
)

// MemorySink keeps the most recent entries in memory and can be queried.
type MemorySink struct {
	mu        sync.RWMutex
	entries   []*Entry
	seen      map[string]struct{}
	maxEvents int
}

// NewMemorySink creates a sink bounded to maxEvents entries.
func NewMemorySink(maxEvents int) *MemorySink {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &MemorySink{
		entries:   make([]*Entry, 0, 64),
		seen:      make(map[string]struct{}),
		maxEvents: maxEvents,
	}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[entry.EntryID]; dup {
		return nil
	}
	cp := *entry
	s.entries = append(s.entries, &cp)
	s.seen[entry.EntryID] = struct{}{}

	if len(s.entries) > s.maxEvents {
		evicted := s.entries[:len(s.entries)-s.maxEvents]
		for _, e := range evicted {
			delete(s.seen, e.EntryID)
		}
		s.entries = append([]*Entry(nil), s.entries[len(s.entries)-s.maxEvents:]...)
	}
	return nil
}

// Query returns matching entries oldest first.
func (s *MemorySink) Query(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if filter.Match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len returns the number of retained entries.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
