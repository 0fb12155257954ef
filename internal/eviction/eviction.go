// Package eviction implements the sampled eviction policies of spec §4.2,
// grounded on original_source/src/core/database/eviction.rs (per-policy
// shard sampling) and src/core/tasks/eviction.rs (the background task that
// drives it with a time budget and exponential backoff).
package eviction

import (
	"math/rand"
	"time"

	"github.com/spineldb/spineldb/internal/config"
	"github.com/spineldb/spineldb/internal/metrics"
	"github.com/spineldb/spineldb/internal/storage"
)

// SampleSize is the number of shards sampled per eviction attempt (spec
// §4.2 "K=5 default").
const SampleSize = 5

// Engine evicts keys from a Database according to a policy, either
// proactively (background task) or inline on the write path.
type Engine struct {
	rng *rand.Rand
}

// New constructs an Engine. Each Engine owns its own rand source so
// concurrent per-database engines don't contend on a shared lock.
func New() *Engine {
	return &Engine{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// EvictOne evicts a single key from db per policy, returning whether a key
// was evicted. If the chosen policy finds nothing, it falls back to
// allkeys-random once (spec §4.2 "fall back ... once per cycle").
func (e *Engine) EvictOne(db *storage.Database, policy config.EvictionPolicy) (string, bool) {
	if policy == config.NoEviction {
		return "", false
	}
	if db.KeyCount() == 0 {
		return "", false
	}

	var key string
	var ok bool
	switch policy {
	case config.AllKeysLRU:
		key, ok = e.evictLRU(db)
	case config.VolatileLRU:
		key, ok = e.evictVolatileLRU(db)
	case config.AllKeysRandom:
		key, ok = e.evictRandom(db, false)
	case config.VolatileRandom:
		key, ok = e.evictRandom(db, true)
	case config.VolatileTTL:
		key, ok = e.evictVolatileTTL(db)
	case config.AllKeysLFU:
		key, ok = e.evictLFU(db, false)
	case config.VolatileLFU:
		key, ok = e.evictLFU(db, true)
	}

	if !ok {
		key, ok = e.evictRandom(db, false)
	}
	if ok {
		metrics.EvictedKeysTotal.WithLabelValues(string(policy)).Inc()
	}
	return key, ok
}

func (e *Engine) randomShardIndex(db *storage.Database) int {
	return e.rng.Intn(db.NumShards())
}

func (e *Engine) evictLRU(db *storage.Database) (string, bool) {
	idx := e.randomShardIndex(db)
	key, _, ok := db.Shard(idx).PopLRU()
	return key, ok
}

func (e *Engine) evictRandom(db *storage.Database, volatileOnly bool) (string, bool) {
	idx := e.randomShardIndex(db)
	shard := db.Shard(idx)
	key, ok := shard.RandomKey(volatileOnly, e.rng)
	if !ok {
		return "", false
	}
	shard.Remove(key)
	return key, true
}

func (e *Engine) evictVolatileLRU(db *storage.Database) (string, bool) {
	for i := 0; i < SampleSize; i++ {
		idx := e.randomShardIndex(db)
		shard := db.Shard(idx)
		if key, ok := shard.OldestVolatileFromBack(); ok {
			shard.Remove(key)
			return key, true
		}
	}
	return "", false
}

func (e *Engine) evictVolatileTTL(db *storage.Database) (string, bool) {
	var bestKey string
	var bestAt time.Time
	var bestShard *storage.Shard
	found := false

	for i := 0; i < SampleSize; i++ {
		idx := e.randomShardIndex(db)
		shard := db.Shard(idx)
		key, at, ok := shard.NearestExpiry()
		if !ok {
			continue
		}
		if !found || at.Before(bestAt) {
			bestKey, bestAt, bestShard, found = key, at, shard, true
		}
	}
	if !found {
		return "", false
	}
	bestShard.Remove(bestKey)
	return bestKey, true
}

func (e *Engine) evictLFU(db *storage.Database, volatileOnly bool) (string, bool) {
	var bestKey string
	var bestShard *storage.Shard
	var bestCounter uint8 = 255
	found := false

	for i := 0; i < SampleSize*2; i++ {
		idx := e.randomShardIndex(db)
		shard := db.Shard(idx)
		key, lfu, ok := shard.LFUSampleCandidate(volatileOnly, e.rng)
		if !ok {
			continue
		}
		if !found || lfu.Counter < bestCounter {
			bestKey, bestShard, bestCounter, found = key, shard, lfu.Counter, true
		}
	}
	if !found {
		return "", false
	}
	bestShard.Remove(bestKey)
	return bestKey, true
}
