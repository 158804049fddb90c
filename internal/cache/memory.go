package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-process LRU prediction cache. One mutex guards
// the index and the recency list together, so entries are published
// atomically and a reader never observes partial state.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	max     int
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     maxEntries,
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint, currentVersion string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[fingerprint]
	if !ok {
		s.misses.Add(1)
		return Entry{}, false, nil
	}

	e := elem.Value.(Entry)
	if !e.servableAt(s.now(), currentVersion) {
		s.removeLocked(elem)
		s.misses.Add(1)
		return Entry{}, false, nil
	}

	s.order.MoveToFront(elem)
	s.hits.Add(1)
	return e, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[e.Fingerprint]; ok {
		elem.Value = e
		s.order.MoveToFront(elem)
		return nil
	}

	s.entries[e.Fingerprint] = s.order.PushFront(e)

	for len(s.entries) > s.max {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
		s.evictions.Add(1)
	}
	return nil
}

func (s *MemoryStore) InvalidateVersion(ctx context.Context, model, keepVersion string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(Entry)
		if e.Model == model && e.ModelVersion != keepVersion {
			s.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed, nil
}

func (s *MemoryStore) removeLocked(elem *list.Element) {
	e := elem.Value.(Entry)
	delete(s.entries, e.Fingerprint)
	s.order.Remove(elem)
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	entries := int64(len(s.entries))
	s.mu.Unlock()

	return Stats{
		Entries:   entries,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}, nil
}

func (s *MemoryStore) Close() error { return nil }
