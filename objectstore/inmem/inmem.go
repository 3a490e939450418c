// Package inmem implements objectstore.Store in-process, for tests and the
// cmd/trajectoryd demo that run without a real S3 bucket.
package inmem

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/envoi-run/trajectory/objectstore"
)

// Store is an objectstore.Store backed by a guarded map.
type Store struct {
	mu      sync.RWMutex
	objects map[string]objectstore.Object
}

// New builds an empty in-memory Store.
func New() *Store {
	return &Store{objects: make(map[string]objectstore.Object)}
}

// Put stores body under key and returns a "mem://" URI.
func (s *Store) Put(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("objectstore/inmem: read body for %s: %w", key, err)
	}
	s.mu.Lock()
	s.objects[key] = objectstore.Object{Body: buf, ContentType: contentType}
	s.mu.Unlock()
	return objectstore.ArtifactURI("mem", "local", key), nil
}

// Get returns the object stored under key.
func (s *Store) Get(_ context.Context, key string) (objectstore.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return objectstore.Object{}, fmt.Errorf("objectstore/inmem: no object at %s", key)
	}
	return obj, nil
}

// List returns every stored key under prefix, sorted.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
