package analysiscache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/raine/food-vision/internal/nutrition"
)

// DefaultSize is the default number of entries held in memory.
const DefaultSize = 1024

// Memory is an in-process LRU cache. Expiry is checked on every read against
// the injected clock; an expired read evicts the entry and misses. The LRU's
// own TTL only reclaims memory of entries nobody reads again.
type Memory struct {
	lru *expirable.LRU[string, *Entry]
	ttl time.Duration
	now func() time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a cache holding up to size entries for ttl each.
func NewMemory(size int, ttl time.Duration, opts ...MemoryOption) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		lru: expirable.NewLRU[string, *Entry](size, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, fingerprint string) (nutrition.Result, bool) {
	entry, ok := m.lru.Get(fingerprint)
	if !ok {
		lookupsTotal.WithLabelValues("memory", "miss").Inc()
		return nutrition.Result{}, false
	}
	if entry.expired(m.now()) {
		m.lru.Remove(fingerprint)
		lookupsTotal.WithLabelValues("memory", "expired").Inc()
		return nutrition.Result{}, false
	}
	lookupsTotal.WithLabelValues("memory", "hit").Inc()
	return entry.Payload.Clone(), true
}

func (m *Memory) Put(ctx context.Context, fingerprint string, result nutrition.Result) {
	now := m.now()
	m.lru.Add(fingerprint, &Entry{
		Fingerprint: fingerprint,
		Payload:     result.Clone(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	})
}

func (m *Memory) Evict(ctx context.Context, fingerprint string) {
	m.lru.Remove(fingerprint)
}

// Peek returns the stored entry without the expiry check or LRU update.
func (m *Memory) Peek(fingerprint string) (*Entry, bool) {
	return m.lru.Peek(fingerprint)
}

// Len returns the number of stored entries, including not yet evicted
// expired ones.
func (m *Memory) Len() int {
	return m.lru.Len()
}
