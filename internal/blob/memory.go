package blob

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	bucket string

	mu           sync.RWMutex
	data         map[string][]byte
	contentTypes map[string]string
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:       bucket,
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (s *MemoryStore) Bucket() string { return s.bucket }

func (s *MemoryStore) PutObject(_ context.Context, key, contentType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	s.contentTypes[key] = contentType
	return nil
}

func (s *MemoryStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", s.bucket, key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Keys lists stored keys in lexical order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContentType returns the content type recorded for key.
func (s *MemoryStore) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[key]
}
