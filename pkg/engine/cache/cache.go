package cache

import (
	"context"
	"time"
)

// Eviction reasons recorded in metrics.
const (
	EvictionTTL   = "ttl"
	EvictionLRU   = "lru"
	EvictionTags  = "tags"
	EvictionFlush = "flush"
)

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Key          string
	Value        any
	CreatedAt    time.Time
	TTL          time.Duration
	HitCount     int64
	LastAccessed time.Time
	Tags         []string
	Size         int
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	// Size is the current number of entries.
	Size int

	// Hits and Misses count lookups since the store was created.
	Hits   int64
	Misses int64

	// Evictions counts entries removed by TTL expiry, capacity pressure,
	// tag invalidation, or flushes.
	Evictions int64

	// HitRate is Hits / (Hits + Misses), or 0 with no traffic.
	HitRate float64

	// Keys lists the current entry keys in lexical order.
	Keys []string
}

// Store is the execution cache contract. Implementations are safe for
// concurrent use by multiple in-flight stage executions and multiple
// concurrent pipeline runs.
//
// Store operations do not return errors: a backend failure is logged by the
// implementation and observed by the caller as a miss.
type Store interface {
	// Get returns the value for key if present and fresh.
	Get(ctx context.Context, key string) (any, bool)

	// Set stores value under key. A non-positive ttl uses the store's
	// default. Tags enable group invalidation.
	Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string)

	// InvalidateTags removes every entry whose tag set intersects tags
	// and returns the number of entries removed.
	InvalidateTags(ctx context.Context, tags []string) int

	// Stats returns a snapshot of store counters.
	Stats(ctx context.Context) Stats

	// Keys returns the current entry keys in lexical order.
	Keys(ctx context.Context) []string

	// Len returns the current number of entries.
	Len(ctx context.Context) int

	// Flush removes all entries.
	Flush(ctx context.Context)

	// Close releases store resources. A closed store misses on every Get.
	Close() error
}

// Clock abstracts time for deterministic TTL behavior under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
