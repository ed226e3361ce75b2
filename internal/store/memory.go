package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. It is shared by every consumer of the
// process that created it and is lost on exit.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		counters: map[string]int64{},
		hashes:   map[string]map[string]string{},
		sets:     map[string]map[string]struct{}{},
		locks:    map[string]chan struct{}{},
	}
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) HSet(ctx context.Context, key, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.hashes[key][field]
	return value, ok, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		out[field] = value
	}
	return out, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = map[string]struct{}{}
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return sortedUnique(members), nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for key := range m.counters {
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range m.hashes {
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range m.sets {
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return sortedUnique(keys), nil
}

func (m *Memory) Lock(ctx context.Context, name string, _ time.Duration) (Unlock, error) {
	m.locksMu.Lock()
	ch, ok := m.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[name] = ch
	}
	m.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, name, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}
