package storage

import (
	"context"
	"maps"
	"sync"
)

// Memory is an in-process KV. Everything holding the same *Memory shares one
// data set and one bus, which models several contexts of a single process.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	bus    *Bus
	closed bool
}

var _ KV = (*Memory)(nil)

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]string),
		bus:  NewBus(),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	return m.SetMany(ctx, map[string]string{key: value})
}

func (m *Memory) SetMany(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev := maps.Clone(m.data)
	maps.Copy(m.data, values)
	changes := diff(prev, m.data)
	m.mu.Unlock()

	m.bus.Publish(changes...)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var changes []Change
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			changes = append(changes, Change{Key: k, Deleted: true})
		}
	}
	m.mu.Unlock()

	m.bus.Publish(changes...)
	return nil
}

func (m *Memory) Subscribe(fn func(Change)) func() {
	return m.bus.Subscribe(fn)
}

// Snapshot returns a copy of the stored data.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
