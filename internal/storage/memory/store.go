// Package memory holds blobs in a map. Test use only.
package memory

import (
	"context"
	"sync"
)

// Store implements gateway.BlobStore in process.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// PutObject stores a copy of data and returns a mem:// URI.
func (s *Store) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[path] = buf
	return "mem://" + path, nil
}

// Object returns a stored blob. Test helper.
func (s *Store) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len reports how many blobs are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
