package storage

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryKV is an in-process KV used by tests and single-node development
// runs. Expiry is enforced lazily on access.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	lists  map[string][][]byte
	nowFn  func() time.Time
}

type memoryEntry struct {
	value    []byte
	deadline time.Time
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string]memoryEntry),
		lists:  make(map[string][][]byte),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock used for expiry checks. Intended for tests.
func (m *MemoryKV) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = now
}

func (m *MemoryKV) live(key string) ([]byte, bool) {
	entry, ok := m.values[key]
	if !ok {
		return nil, false
	}
	if !entry.deadline.IsZero() && !m.nowFn().Before(entry.deadline) {
		delete(m.values, key)
		return nil, false
	}
	return entry.value, true
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.deadline = m.nowFn().Add(ttl)
	}
	m.values[key] = entry
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.lists, key)
	return nil
}

func (m *MemoryKV) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.deadline = m.nowFn().Add(ttl)
	}
	m.values[key] = entry
	return true, nil
}

func (m *MemoryKV) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if value, ok := m.live(key); ok {
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	entry := m.values[key]
	entry.value = []byte(strconv.FormatInt(current, 10))
	m.values[key] = entry
	return current, nil
}

func (m *MemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.values[key]
	if !ok {
		return nil
	}
	entry.deadline = m.nowFn().Add(ttl)
	m.values[key] = entry
	return nil
}

func (m *MemoryKV) ListAppend(_ context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.lists[key] = append(m.lists[key], append([]byte(nil), v...))
	}
	return nil
}

func (m *MemoryKV) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *MemoryKV) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.values {
		if _, ok := m.live(key); !ok {
			continue
		}
		if matched, err := path.Match(pattern, key); err != nil {
			return nil, err
		} else if matched {
			keys = append(keys, key)
		}
	}
	for key := range m.lists {
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MemoryKV) Ping(context.Context) error { return nil }
