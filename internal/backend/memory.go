package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Memory is an in-process Backend for tests and development.
type Memory struct {
	name string

	mu      sync.RWMutex
	objects map[string][]byte

	// Fail, when set, makes Put and Get return ErrUnavailable. Tests use it
	// to simulate an unreachable backend.
	Fail bool
}

// NewMemory creates an empty in-memory backend with the given name.
func NewMemory(name string) *Memory {
	return &Memory{name: name, objects: make(map[string][]byte)}
}

// Name implements Backend.
func (m *Memory) Name() string { return m.name }

// SupportsRetentionLock implements Backend.
func (m *Memory) SupportsRetentionLock() bool { return false }

// Put implements Backend.
func (m *Memory) Put(_ context.Context, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return "", ErrUnavailable
	}
	sum := sha256.Sum256(content)
	id := hex.EncodeToString(sum[:])
	if _, ok := m.objects[id]; !ok {
		m.objects[id] = append([]byte(nil), content...)
	}
	return id, nil
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail {
		return nil, ErrUnavailable
	}
	b, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
