package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vnykmshr/stageflow/pkg/common/hash"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// MemoryConfig holds configuration for the in-memory store.
type MemoryConfig struct {
	// Capacity is the maximum number of entries held before the least
	// recently accessed entry is evicted.
	Capacity int

	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// Clock supplies time. If nil, the system clock is used.
	Clock Clock

	// Metrics records cache activity. If nil, nothing is recorded.
	Metrics *metrics.Registry

	// OnEvict is called with the key and eviction reason whenever an entry
	// is evicted. Called while the store lock is held; keep it fast.
	OnEvict func(key, reason string)
}

// DefaultMemoryConfig returns the default in-memory store configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:   1000,
		DefaultTTL: 5 * time.Minute,
	}
}

// memoryStore implements Store with a map and an LRU list, serialized by a
// single mutex.
type memoryStore struct {
	mu     sync.Mutex
	config MemoryConfig
	clock  Clock

	// lru front = most recently accessed; elements hold *Entry.
	entries map[string]*list.Element
	lru     *list.List

	hits      int64
	misses    int64
	evictions int64
	closed    bool
}

// NewMemory creates an in-memory store with default configuration.
func NewMemory() Store {
	store, _ := NewMemoryWithConfig(DefaultMemoryConfig())
	return store
}

// NewMemoryWithConfig creates an in-memory store with the given
// configuration.
func NewMemoryWithConfig(config MemoryConfig) (Store, error) {
	if err := validation.ValidatePositive("cache", "capacity", config.Capacity); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositiveDuration("cache", "defaultTTL", config.DefaultTTL); err != nil {
		return nil, err
	}

	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}

	return &memoryStore{
		config:  config,
		clock:   clock,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}, nil
}

// Get returns the value for key if present and fresh. Expired entries are
// evicted on access and reported as misses.
func (m *memoryStore) Get(_ context.Context, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false
	}

	elem, ok := m.entries[key]
	if !ok {
		m.recordMiss()
		return nil, false
	}

	entry := elem.Value.(*Entry)
	now := m.clock.Now()
	if entry.Expired(now) {
		m.removeElement(elem, EvictionTTL)
		m.recordMiss()
		return nil, false
	}

	entry.HitCount++
	entry.LastAccessed = now
	m.lru.MoveToFront(elem)
	m.recordHit()
	return entry.Value, true
}

// Set stores value under key, evicting the least recently accessed entry
// when the store is at capacity.
func (m *memoryStore) Set(_ context.Context, key string, value any, ttl time.Duration, tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	now := m.clock.Now()

	if elem, exists := m.entries[key]; exists {
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.CreatedAt = now
		entry.TTL = ttl
		entry.HitCount = 0
		entry.LastAccessed = now
		entry.Tags = append([]string(nil), tags...)
		entry.Size = approxSize(value)
		m.lru.MoveToFront(elem)
		return
	}

	for m.lru.Len() >= m.config.Capacity {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.removeElement(oldest, EvictionLRU)
	}

	entry := &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		TTL:          ttl,
		LastAccessed: now,
		Tags:         append([]string(nil), tags...),
		Size:         approxSize(value),
	}
	m.entries[key] = m.lru.PushFront(entry)
	m.updateEntriesGauge()
}

// InvalidateTags removes every entry whose tag set intersects tags.
func (m *memoryStore) InvalidateTags(_ context.Context, tags []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || len(tags) == 0 {
		return 0
	}

	wanted := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		wanted[t] = struct{}{}
	}

	var victims []*list.Element
	for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		for _, t := range entry.Tags {
			if _, ok := wanted[t]; ok {
				victims = append(victims, elem)
				break
			}
		}
	}

	for _, elem := range victims {
		m.removeElement(elem, EvictionTags)
	}
	return len(victims)
}

// Stats returns a snapshot of store counters.
func (m *memoryStore) Stats(_ context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Size:      len(m.entries),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Keys:      m.sortedKeys(),
	}
	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total)
	}
	return stats
}

// Keys returns the current entry keys in lexical order.
func (m *memoryStore) Keys(_ context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedKeys()
}

// Len returns the current number of entries.
func (m *memoryStore) Len(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Flush removes all entries.
func (m *memoryStore) Flush(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flushed := len(m.entries)
	if m.config.OnEvict != nil {
		for key := range m.entries {
			m.config.OnEvict(key, EvictionFlush)
		}
	}
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	m.evictions += int64(flushed)
	if m.config.Metrics != nil && flushed > 0 {
		m.config.Metrics.CacheEvictions.WithLabelValues(EvictionFlush).Add(float64(flushed))
	}
	m.updateEntriesGauge()
}

// Close marks the store closed; subsequent gets miss and sets are ignored.
func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	m.updateEntriesGauge()
	return nil
}

// removeElement drops an entry and accounts for the eviction. Callers must
// hold the mutex.
func (m *memoryStore) removeElement(elem *list.Element, reason string) {
	entry := elem.Value.(*Entry)
	delete(m.entries, entry.Key)
	m.lru.Remove(elem)
	m.evictions++
	if m.config.Metrics != nil {
		m.config.Metrics.CacheEvictions.WithLabelValues(reason).Inc()
	}
	if m.config.OnEvict != nil {
		m.config.OnEvict(entry.Key, reason)
	}
	m.updateEntriesGauge()
}

func (m *memoryStore) recordHit() {
	m.hits++
	if m.config.Metrics != nil {
		m.config.Metrics.CacheHits.Inc()
	}
}

func (m *memoryStore) recordMiss() {
	m.misses++
	if m.config.Metrics != nil {
		m.config.Metrics.CacheMisses.Inc()
	}
}

func (m *memoryStore) updateEntriesGauge() {
	if m.config.Metrics != nil {
		m.config.Metrics.CacheEntries.Set(float64(len(m.entries)))
	}
}

func (m *memoryStore) sortedKeys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// approxSize estimates an entry's footprint from its canonical encoding.
func approxSize(value any) int {
	return len(hash.StableBytes(value))
}
