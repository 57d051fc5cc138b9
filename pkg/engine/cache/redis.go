package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// RedisConfig holds configuration for the Redis-backed store.
type RedisConfig struct {
	// Redis client used for all operations. Required. The store does not
	// close it.
	Redis redis.UniversalClient

	// KeyPrefix namespaces all keys written by this store.
	KeyPrefix string

	// Capacity is the maximum number of entries before the entry with the
	// oldest last access is evicted.
	Capacity int

	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// RedisTimeout bounds each Redis operation.
	RedisTimeout time.Duration

	// Logger receives backend failure reports. If nil, the shared default
	// logger is used so degraded caching stays visible.
	Logger logging.Logger

	// Metrics records cache activity. If nil, nothing is recorded.
	Metrics *metrics.Registry

	// OnEvict is called with the key and eviction reason whenever this
	// store removes an entry. Redis-side TTL expiry is not observed here.
	OnEvict func(key, reason string)
}

// DefaultRedisConfig returns a default Redis store configuration. The Redis
// client must still be supplied.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix:    "stageflow:cache",
		Capacity:     1000,
		DefaultTTL:   5 * time.Minute,
		RedisTimeout: 500 * time.Millisecond,
	}
}

// redisStore implements Store on Redis: an entry hash per key, tag sets for
// group invalidation, and a recency ZSET scored by last access driving
// capacity eviction.
type redisStore struct {
	config RedisConfig
	keys   map[string]string
	logger logging.Logger
	closed atomic.Bool

	// Lua script for atomic get-with-touch
	getScript *redis.Script
}

// NewRedis creates a Redis-backed store.
func NewRedis(config RedisConfig) (Store, error) {
	if config.Redis == nil {
		return nil, sferrors.NewValidationError("cache", "redis", nil, "cannot be nil").
			WithHint("provide a redis.UniversalClient")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "stageflow:cache"
	}
	if config.Capacity == 0 {
		config.Capacity = 1000
	}
	if err := validation.ValidatePositive("cache", "capacity", config.Capacity); err != nil {
		return nil, err
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if err := validation.ValidatePositiveDuration("cache", "defaultTTL", config.DefaultTTL); err != nil {
		return nil, err
	}
	if config.RedisTimeout <= 0 {
		config.RedisTimeout = 500 * time.Millisecond
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &redisStore{
		config:    config,
		keys:      redisKeys(config.KeyPrefix),
		logger:    logger,
		getScript: redis.NewScript(luaGetTouch),
	}, nil
}

// redisKeys generates the fixed Redis keys used by a store.
func redisKeys(prefix string) map[string]string {
	return map[string]string{
		"recency": prefix + ":recency",
		"stats":   prefix + ":stats",
		"tags":    prefix + ":tags",
	}
}

func (r *redisStore) entryKey(key string) string {
	return r.config.KeyPrefix + ":entry:" + key
}

func (r *redisStore) tagKey(tag string) string {
	return r.config.KeyPrefix + ":tag:" + tag
}

// Get returns the value for key if present and fresh. Entry TTLs are
// enforced by Redis key expiry; the hit path atomically refreshes hit count
// and recency.
func (r *redisStore) Get(ctx context.Context, key string) (any, bool) {
	if r.closed.Load() {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()

	now := time.Now().UnixNano()
	result, err := r.getScript.Run(ctx, r.config.Redis, []string{
		r.entryKey(key),
		r.keys["recency"],
		r.keys["stats"],
	}, key, now).Result()

	if err == redis.Nil {
		r.recordMiss()
		return nil, false
	}
	if err != nil {
		r.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		r.recordMiss()
		return nil, false
	}

	encoded, ok := result.(string)
	if !ok {
		r.logger.Warn("cache get returned unexpected type, treating as miss", "key", key)
		r.recordMiss()
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		r.logger.Warn("cache entry decode failed, dropping entry", "key", key, "error", err)
		r.dropEntry(ctx, key)
		r.recordMiss()
		return nil, false
	}

	r.recordHit()
	return value, true
}

// Set stores value under key. Values round-trip through JSON, so readers
// get generic JSON types back regardless of what was stored.
func (r *redisStore) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) {
	if r.closed.Load() {
		return
	}
	if ttl <= 0 {
		ttl = r.config.DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn("cache set skipped, value not serializable", "key", key, "error", err)
		return
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()

	r.evictToCapacity(ctx)

	now := time.Now().UnixNano()
	pipe := r.config.Redis.Pipeline()
	pipe.HSet(ctx, r.entryKey(key), map[string]interface{}{
		"value":         string(data),
		"created_at":    now,
		"ttl":           int64(ttl),
		"hit_count":     0,
		"last_accessed": now,
		"tags":          string(tagsJSON),
		"size":          len(data),
	})
	pipe.PExpire(ctx, r.entryKey(key), ttl)
	pipe.ZAdd(ctx, r.keys["recency"], redis.Z{Score: float64(now), Member: key})
	for _, tag := range tags {
		pipe.SAdd(ctx, r.tagKey(tag), key)
		pipe.SAdd(ctx, r.keys["tags"], tag)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("cache set failed", "key", key, "error", err)
		return
	}
	r.updateEntriesGauge(ctx)
}

// InvalidateTags removes every entry whose tag set intersects tags.
func (r *redisStore) InvalidateTags(ctx context.Context, tags []string) int {
	if r.closed.Load() || len(tags) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	for _, tag := range tags {
		members, err := r.config.Redis.SMembers(ctx, r.tagKey(tag)).Result()
		if err != nil {
			r.logger.Warn("cache tag lookup failed", "tag", tag, "error", err)
			continue
		}
		for _, member := range members {
			seen[member] = struct{}{}
		}
		pipe := r.config.Redis.Pipeline()
		pipe.Del(ctx, r.tagKey(tag))
		pipe.SRem(ctx, r.keys["tags"], tag)
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn("cache tag cleanup failed", "tag", tag, "error", err)
		}
	}

	victims := make([]string, 0, len(seen))
	for member := range seen {
		victims = append(victims, member)
	}
	return r.removeEntries(ctx, victims, EvictionTags)
}

// Stats returns a snapshot of store counters. Hit and miss counts are
// shared across every store instance using the same key prefix.
func (r *redisStore) Stats(ctx context.Context) Stats {
	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()

	keys := r.liveKeys(ctx)

	stats := Stats{
		Size: len(keys),
		Keys: keys,
	}

	counters, err := r.config.Redis.HGetAll(ctx, r.keys["stats"]).Result()
	if err != nil {
		r.logger.Warn("cache stats read failed", "error", err)
		return stats
	}
	stats.Hits, _ = strconv.ParseInt(counters["hits"], 10, 64)
	stats.Misses, _ = strconv.ParseInt(counters["misses"], 10, 64)
	stats.Evictions, _ = strconv.ParseInt(counters["evictions"], 10, 64)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Keys returns the current entry keys in lexical order.
func (r *redisStore) Keys(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()
	return r.liveKeys(ctx)
}

// Len returns the current number of entries.
func (r *redisStore) Len(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()
	return len(r.liveKeys(ctx))
}

// Flush removes all entries under the store's prefix. Hit and miss counters
// survive a flush.
func (r *redisStore) Flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()

	members, err := r.config.Redis.ZRange(ctx, r.keys["recency"], 0, -1).Result()
	if err != nil {
		r.logger.Warn("cache flush failed", "error", err)
		return
	}

	pipe := r.config.Redis.Pipeline()
	for _, member := range members {
		pipe.Del(ctx, r.entryKey(member))
	}
	pipe.Del(ctx, r.keys["recency"])

	tags, err := r.config.Redis.SMembers(ctx, r.keys["tags"]).Result()
	if err == nil {
		for _, tag := range tags {
			pipe.Del(ctx, r.tagKey(tag))
		}
	}
	pipe.Del(ctx, r.keys["tags"])

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("cache flush failed", "error", err)
		return
	}

	if len(members) > 0 {
		r.bumpEvictions(ctx, len(members), EvictionFlush)
		if r.config.OnEvict != nil {
			for _, member := range members {
				r.config.OnEvict(member, EvictionFlush)
			}
		}
	}
	r.updateEntriesGauge(ctx)
}

// Close marks the store closed. The underlying Redis client stays open; the
// caller owns it.
func (r *redisStore) Close() error {
	r.closed.Store(true)
	return nil
}

// liveKeys returns entry keys whose hashes still exist, pruning recency
// members left behind by Redis-side TTL expiry.
func (r *redisStore) liveKeys(ctx context.Context) []string {
	members, err := r.config.Redis.ZRange(ctx, r.keys["recency"], 0, -1).Result()
	if err != nil {
		r.logger.Warn("cache key listing failed", "error", err)
		return nil
	}
	if len(members) == 0 {
		return nil
	}

	pipe := r.config.Redis.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(members))
	for i, member := range members {
		existsCmds[i] = pipe.Exists(ctx, r.entryKey(member))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("cache key listing failed", "error", err)
		return nil
	}

	var live, stale []string
	for i, member := range members {
		if existsCmds[i].Val() > 0 {
			live = append(live, member)
		} else {
			stale = append(stale, member)
		}
	}
	if len(stale) > 0 {
		staleMembers := make([]interface{}, len(stale))
		for i, member := range stale {
			staleMembers[i] = member
		}
		if err := r.config.Redis.ZRem(ctx, r.keys["recency"], staleMembers...).Err(); err != nil {
			r.logger.Warn("cache recency prune failed", "error", err)
		}
	}

	sort.Strings(live)
	return live
}

// evictToCapacity removes oldest-access entries until one slot is free.
func (r *redisStore) evictToCapacity(ctx context.Context) {
	for {
		live := r.liveKeys(ctx)
		if len(live) < r.config.Capacity {
			return
		}
		oldest, err := r.config.Redis.ZRange(ctx, r.keys["recency"], 0, 0).Result()
		if err != nil || len(oldest) == 0 {
			return
		}
		if r.removeEntries(ctx, oldest, EvictionLRU) == 0 {
			return
		}
	}
}

// removeEntries deletes entries and their tag memberships, returning how
// many entry hashes actually existed.
func (r *redisStore) removeEntries(ctx context.Context, victims []string, reason string) int {
	removed := 0
	for _, victim := range victims {
		tags := r.entryTags(ctx, victim)

		pipe := r.config.Redis.Pipeline()
		delCmd := pipe.Del(ctx, r.entryKey(victim))
		pipe.ZRem(ctx, r.keys["recency"], victim)
		for _, tag := range tags {
			pipe.SRem(ctx, r.tagKey(tag), victim)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn("cache entry removal failed", "key", victim, "error", err)
			continue
		}
		if delCmd.Val() > 0 {
			removed++
			if r.config.OnEvict != nil {
				r.config.OnEvict(victim, reason)
			}
		}
	}

	if removed > 0 {
		r.bumpEvictions(ctx, removed, reason)
	}
	r.updateEntriesGauge(ctx)
	return removed
}

// dropEntry removes a single undecodable entry without eviction accounting.
func (r *redisStore) dropEntry(ctx context.Context, key string) {
	pipe := r.config.Redis.Pipeline()
	pipe.Del(ctx, r.entryKey(key))
	pipe.ZRem(ctx, r.keys["recency"], key)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("cache entry drop failed", "key", key, "error", err)
	}
}

func (r *redisStore) entryTags(ctx context.Context, key string) []string {
	encoded, err := r.config.Redis.HGet(ctx, r.entryKey(key), "tags").Result()
	if err != nil {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(encoded), &tags); err != nil {
		return nil
	}
	return tags
}

func (r *redisStore) bumpEvictions(ctx context.Context, n int, reason string) {
	if err := r.config.Redis.HIncrBy(ctx, r.keys["stats"], "evictions", int64(n)).Err(); err != nil {
		r.logger.Warn("cache eviction accounting failed", "error", err)
	}
	if r.config.Metrics != nil {
		r.config.Metrics.CacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (r *redisStore) recordHit() {
	if r.config.Metrics != nil {
		r.config.Metrics.CacheHits.Inc()
	}
}

func (r *redisStore) recordMiss() {
	if r.config.Metrics != nil {
		r.config.Metrics.CacheMisses.Inc()
	}
}

func (r *redisStore) updateEntriesGauge(ctx context.Context) {
	if r.config.Metrics == nil {
		return
	}
	card, err := r.config.Redis.ZCard(ctx, r.keys["recency"]).Result()
	if err != nil {
		return
	}
	r.config.Metrics.CacheEntries.Set(float64(card))
}

// Lua script for atomic get-with-touch.
const luaGetTouch = `
-- KEYS[1]: entry hash key
-- KEYS[2]: recency zset key
-- KEYS[3]: stats hash key
-- ARGV[1]: cache key (recency member)
-- ARGV[2]: current time (unix nano)

local value = redis.call('HGET', KEYS[1], 'value')
if not value then
    redis.call('ZREM', KEYS[2], ARGV[1])
    redis.call('HINCRBY', KEYS[3], 'misses', 1)
    return false
end

redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
redis.call('HSET', KEYS[1], 'last_accessed', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'hits', 1)

return value
`
