package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a single-process Store. One mutex guards everything, which
// keeps each operation atomic with respect to all others.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.PassiveClock
	values map[string]string
	expiry map[string]time.Time
	lists  map[string][]string
}

func NewMemoryStore(clk clock.PassiveClock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		clock:  clk,
		values: make(map[string]string),
		expiry: make(map[string]time.Time),
		lists:  make(map[string][]string),
	}
}

// value must be called with mu held.
func (m *MemoryStore) value(key string) (string, bool) {
	if at, ok := m.expiry[key]; ok && !m.clock.Now().Before(at) {
		delete(m.values, key)
		delete(m.expiry, key)
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

// counter reads a counter leniently: missing and malformed values count as zero.
func (m *MemoryStore) counter(key string) int64 {
	v, ok := m.value(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (m *MemoryStore) setCounter(key string, n int64) {
	m.values[key] = strconv.FormatInt(n, 10)
	delete(m.expiry, key)
}

func (m *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.value(key)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformed, key, v)
	}
	return n, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCounter(key, value)
	return nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counter(key) + 1
	m.setCounter(key, n)
	return n, nil
}

func (m *MemoryStore) DecrFloor(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counter(key)
	if n <= 0 {
		m.setCounter(key, 0)
		return 0, false, nil
	}
	m.setCounter(key, n-1)
	return n - 1, true, nil
}

func (m *MemoryStore) IncrBelow(_ context.Context, key string, limit int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counter(key)
	if n >= limit {
		return n, false, nil
	}
	m.setCounter(key, n+1)
	return n + 1, true, nil
}

func (m *MemoryStore) PushFront(_ context.Context, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) PushFrontCapped(_ context.Context, key, value string, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]string{value}, m.lists[key]...)
	if max > 0 && int64(len(list)) > max {
		list = list[:max]
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) PopBack(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	last := list[len(list)-1]
	m.lists[key] = list[:len(list)-1]
	return last, true, nil
}

func (m *MemoryStore) Range(_ context.Context, key string, n int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if n >= 0 && int64(len(list)) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryStore) Len(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) GetValue(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.value(key)
	return v, ok, nil
}

func (m *MemoryStore) SetValue(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expiry[key] = m.clock.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.expiry, key)
		delete(m.lists, key)
	}
	return nil
}
