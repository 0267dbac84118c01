package cache

import (
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU cache implementing Store. The LRU's
// TTL is the ceiling; per-entry deadlines shorter than it are enforced
// by the Entry's own ExpiresAt on read.
type MemoryStore struct {
	lru       *expirable.LRU[string, *Entry]
	mu        sync.Mutex // serializes Purge against Set
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates an in-memory LRU store with the given max size.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(key string, value *Entry) {
		s.evictions.Add(1)
	}, DefaultTTL)
	return s
}

func (s *MemoryStore) Get(key string) (*Entry, bool) {
	entry, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		s.lru.Remove(key)
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) Set(key string, entry *Entry, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, entry)
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
