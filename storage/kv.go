// Package storage provides the durable key-value backends that hold the
// persisted session and broadcast every change to all contexts sharing them.
package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: backend closed")

// Change describes one key written or removed in a KV backend.
type Change struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// KV is a string-valued key-value store shared by every context (process,
// goroutine, terminal) that opens the same backend. Every write is delivered
// to all subscribers, including the ones registered by the writer itself.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// GetMany reads keys from one consistent snapshot. Absent keys are
	// missing from the result.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all pairs as one unit; readers never see a subset.
	SetMany(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Subscribe(fn func(Change)) (unsubscribe func())
	Close() error
}

// Bus fans changes out to in-process subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Change)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]func(Change))}
}

// Subscribe registers fn and returns a function removing it again.
func (b *Bus) Subscribe(fn func(Change)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers changes to every subscriber in order.
// Subscribers run on the caller's goroutine, outside the bus lock.
func (b *Bus) Publish(changes ...Change) {
	b.mu.RLock()
	fns := make([]func(Change), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// diff returns the changes turning prev into next, sorted by key.
func diff(prev, next map[string]string) []Change {
	var changes []Change
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			changes = append(changes, Change{Key: k, Value: v})
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changes = append(changes, Change{Key: k, Deleted: true})
		}
	}
	sortChangesByKey(changes)
	return changes
}

func sortChangesByKey(changes []Change) {
	slices.SortFunc(changes, func(a, b Change) int {
		return strings.Compare(a.Key, b.Key)
	})
}
