package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/smartcity-telemetry/internal/models"
)

// MemoryStore is a process-local keyed store. Records past their ttl are not returned.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]map[string]any // city -> timestamp -> item
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns a MemoryStore that judges ttl expiry against now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		items: make(map[string]map[string]map[string]any),
		now:   now,
	}
}

func (s *MemoryStore) Backend() string  { return "memory" }
func (s *MemoryStore) Location() string { return "memory" }

func (s *MemoryStore) Put(_ context.Context, item map[string]any) error {
	city, ts, err := itemKey(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[city] == nil {
		s.items[city] = make(map[string]map[string]any)
	}
	s.items[city][ts] = item
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, city string, limit int) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTS := s.items[city]
	keys := make([]string, 0, len(byTS))
	for ts := range byTS {
		keys = append(keys, ts)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	now := s.now().Unix()

	records := make([]models.Record, 0, min(limit, len(keys)))
	for _, ts := range keys {
		if len(records) >= limit {
			break
		}
		item := byTS[ts]
		if ttl, ok := intField(item, "ttl"); ok && ttl <= now {
			continue
		}
		rec, err := recordFromItem(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Len returns the number of stored items for city, expired or not.
func (s *MemoryStore) Len(city string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[city])
}
