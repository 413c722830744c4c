// Package cache stores verdicts by content hash so identical files are not
// analysed twice within the TTL.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"vetbox/internal/verdict"
)

// Cache is the verdict cache contract used by the engine.
type Cache interface {
	Lookup(ctx context.Context, sha256 string) (*verdict.Result, bool)
	Store(ctx context.Context, sha256 string, r *verdict.Result, ttl time.Duration) error
	Close() error
}

// Nop never hits.
type Nop struct{}

func (Nop) Lookup(context.Context, string) (*verdict.Result, bool) { return nil, false }

func (Nop) Store(context.Context, string, *verdict.Result, time.Duration) error { return nil }

func (Nop) Close() error { return nil }

type memEntry struct {
	key     string
	result  verdict.Result
	expires time.Time
}

// Memory is a bounded in-process LRU with per-entry TTL.
type Memory struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element
	order   *list.List // front is most recent
	now     func() time.Time
}

// NewMemory returns a cache holding at most maxEntries verdicts.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Memory{
		max:     maxEntries,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (m *Memory) Lookup(_ context.Context, sha256 string) (*verdict.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[sha256]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if !m.now().Before(e.expires) {
		m.order.Remove(el)
		delete(m.entries, sha256)
		return nil, false
	}
	m.order.MoveToFront(el)
	r := e.result
	return &r, true
}

func (m *Memory) Store(_ context.Context, sha256 string, r *verdict.Result, ttl time.Duration) error {
	if r == nil || ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &memEntry{key: sha256, result: *r, expires: m.now().Add(ttl)}
	if el, ok := m.entries[sha256]; ok {
		el.Value = e
		m.order.MoveToFront(el)
		return nil
	}
	m.entries[sha256] = m.order.PushFront(e)
	for m.order.Len() > m.max {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memEntry).key)
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Close() error { return nil }
