package cache

import (
	"context"
	"sync"
	"time"

	"github.com/alecgard/metergate/internal/call"
)

type memItem struct {
	total   int64
	entry   call.Outcome
	expires time.Time // zero means no expiry
}

// Memory is an in-process Totals and Entries used when no Redis URL is
// configured. Totals are per process, so replicas do not share them.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

// get returns the live item under key, evicting it when expired.
// Caller must hold m.mu.
func (m *Memory) get(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) GetTotal(_ context.Context, tenantID, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.get(totalKey("", tenantID, day))
	if !ok {
		return 0, ErrMiss
	}
	return it.total, nil
}

func (m *Memory) SetTotal(_ context.Context, tenantID, day string, micros int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[totalKey("", tenantID, day)] = memItem{total: micros, expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) AddTotal(_ context.Context, tenantID, day string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := totalKey("", tenantID, day)
	it, ok := m.get(key)
	if !ok {
		return nil
	}
	it.total += delta
	m.items[key] = it
	return nil
}

func (m *Memory) GetEntry(_ context.Context, tenantID, fingerprint string) (*call.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.get(entryKey("", tenantID, fingerprint))
	if !ok {
		return nil, ErrMiss
	}
	o := it.entry
	return &o, nil
}

func (m *Memory) SetEntry(_ context.Context, tenantID, fingerprint string, o *call.Outcome, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[entryKey("", tenantID, fingerprint)] = memItem{entry: *o, expires: m.expiry(ttl)}
	return nil
}
