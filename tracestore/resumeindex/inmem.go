package resumeindex

import (
	"context"
	"sync"
)

// InMemory is a test double for Index, used by this package's tests and the
// cmd/trajectoryd demo when no Mongo deployment is configured.
type InMemory struct {
	mu       sync.Mutex
	pointers map[string]Pointer
}

// NewInMemory builds an empty InMemory index.
func NewInMemory() *InMemory {
	return &InMemory{pointers: make(map[string]Pointer)}
}

func (m *InMemory) Ping(context.Context) error { return nil }

func (m *InMemory) Upsert(_ context.Context, p Pointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pointers[p.TrajectoryID] = p
	return nil
}

func (m *InMemory) Get(_ context.Context, trajectoryID string) (Pointer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pointers[trajectoryID]
	return p, ok, nil
}
