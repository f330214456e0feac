package localstore

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict is returned when an Update kept losing to concurrent writers.
var ErrConflict = errors.New("local store: concurrent update conflict")

// UpdateFunc receives the current value of a key and returns the value to
// store. Returning write=false leaves the key untouched.
type UpdateFunc func(current string, ok bool) (next string, write bool, err error)

// KV is the device-local durable string storage the offline queue lives in.
// Get reports ok=false for a missing key. Update is an atomic
// read-modify-write of one key, also against other processes sharing the
// same storage.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Memory is a non-durable KV for tests and throwaway dev sessions.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.values[key]
	next, write, err := fn(current, ok)
	if err != nil || !write {
		return err
	}
	m.values[key] = next
	return nil
}
