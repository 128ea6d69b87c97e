package linker

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// SeenSet remembers keys for a while. Seen records key and reports whether it
// was already present.
type SeenSet interface {
	Seen(ctx context.Context, key string) (bool, error)
}

const (
	DefaultSeenCapacity = 10000
	DefaultSeenTTL      = 7 * 24 * time.Hour
)

type seenEntry struct {
	key       string
	expiresAt time.Time
}

// MemorySeen is a capacity-bounded SeenSet with per-key expiry. The least
// recently seen key is evicted first.
type MemorySeen struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front is most recent
	items    map[string]*list.Element
	now      func() time.Time
}

// NewMemorySeen creates a MemorySeen. Non-positive arguments use the
// defaults.
func NewMemorySeen(capacity int, ttl time.Duration) *MemorySeen {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &MemorySeen{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Seen implements SeenSet. It never fails.
func (s *MemorySeen) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.items[key]; ok {
		entry := el.Value.(*seenEntry)
		if now.Before(entry.expiresAt) {
			s.order.MoveToFront(el)
			return true, nil
		}
		s.order.Remove(el)
		delete(s.items, key)
	}

	s.items[key] = s.order.PushFront(&seenEntry{key: key, expiresAt: now.Add(s.ttl)})
	for len(s.items) > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*seenEntry).key)
	}
	return false, nil
}

// Len returns the number of remembered keys, including expired ones not yet
// evicted.
func (s *MemorySeen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
