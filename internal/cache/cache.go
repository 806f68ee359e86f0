// Package cache provides the process-owned, time-bounded cache injected into
// components that need lookups or log deduplication.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache stores byte values with a per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (Noop) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (Noop) Delete(_ context.Context, _ string) error {
	return nil
}

func (Noop) Close() error {
	return nil
}

// Stats reports memory cache occupancy.
type Stats struct {
	Entries int
}

// Memory is an in-process TTL cache backed by ttlcache. Expired entries are
// never returned; they are removed by CleanupExpired or the janitor.
type Memory struct {
	items      *ttlcache.Cache[string, []byte]
	defaultTTL time.Duration
	janitor    bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithJanitor runs the background expiry loop until Close.
func WithJanitor() MemoryOption {
	return func(m *Memory) {
		m.janitor = true
	}
}

// NewMemory builds an in-process cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{defaultTTL: 5 * time.Minute}
	for _, opt := range opts {
		opt(m)
	}
	// Reads must not extend an entry's lifetime.
	m.items = ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](m.defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	if m.janitor {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.items.Start()
		}()
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := m.items.Get(key)
	if item == nil || item.IsExpired() {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.items.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Clear drops every entry.
func (m *Memory) Clear() {
	m.items.DeleteAll()
}

// CleanupExpired removes expired entries.
func (m *Memory) CleanupExpired() {
	m.items.DeleteExpired()
}

// Stats counts live entries.
func (m *Memory) Stats() Stats {
	var stats Stats
	for _, item := range m.items.Items() {
		if !item.IsExpired() {
			stats.Entries++
		}
	}
	return stats
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		if m.janitor {
			m.items.Stop()
		}
	})
	m.wg.Wait()
	return nil
}
