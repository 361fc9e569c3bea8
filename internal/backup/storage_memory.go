package backup

import (
	"context"
	"sort"
	"strings"
	"sync"

	apperrors "famsync/internal/errors"
)

// MemoryStorageProvider keeps objects in process memory. Used for tests and
// for running the engine without durable storage.
type MemoryStorageProvider struct {
	mu      sync.RWMutex
	objects map[string][]byte
	healthy bool
}

// NewMemoryStorageProvider creates an empty in-memory provider
func NewMemoryStorageProvider() *MemoryStorageProvider {
	return &MemoryStorageProvider{objects: make(map[string][]byte), healthy: true}
}

// Name returns the provider type
func (m *MemoryStorageProvider) Name() string { return string(StorageProviderMemory) }

// SetHealthy toggles the result of HealthCheck and of every other call
func (m *MemoryStorageProvider) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

func (m *MemoryStorageProvider) unavailable() error {
	if !m.healthy {
		return apperrors.NewRecoverableError(apperrors.ErrorTypeConnection, "memory storage unavailable", nil)
	}
	return nil
}

// Put stores a copy of data
func (m *MemoryStorageProvider) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the stored object
func (m *MemoryStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.unavailable(); err != nil {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("object", key)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes an object
func (m *MemoryStorageProvider) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

// List returns keys under prefix in lexical order
func (m *MemoryStorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.unavailable(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck fails when the provider was marked unhealthy
func (m *MemoryStorageProvider) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unavailable()
}
