// Grounded on original_source/src/core/database/core.rs (Db/Shard split
// into NUM_SHARDS independent locking domains) and eviction.rs (pop_lru /
// iter / choose sampling idioms, translated to Go's container/list for the
// LRU order Rust's `lru` crate gave the original for free).
package storage

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// entry is one node in a shard's LRU list.
type entry struct {
	key   string
	value *StoredValue
}

// WatchState is one session's WATCH bookkeeping for a single shard: the
// keys it watched in this shard and the version captured at WATCH time.
type WatchState struct {
	SessionID uint64
	Captured  map[string]uint64
}

// Shard is one independent locking partition of a database's keyspace
// (spec §3 "Shard"). All mutation goes through exported methods that take
// the lock; Lock/Unlock are exposed for the executor's multi-shard lock
// plan (spec §4.3) which must acquire several shards' locks up front.
type Shard struct {
	mu sync.Mutex

	order   *list.List               // front = most-recently-used
	index   map[string]*list.Element // key -> node in order
	tags    map[string]mapset.Set[string]

	memoryUsed int

	// lazyFree receives large values removed from the map so a dedicated
	// background worker (spec §5 "Lazy-free") can drop/unlink them off the
	// hot path. Nil is valid; Put/Remove degrade to synchronous free.
	lazyFree chan *StoredValue
}

// NewShard constructs an empty shard. lazyFree may be nil.
func NewShard(lazyFree chan *StoredValue) *Shard {
	return &Shard{
		order:    list.New(),
		index:    make(map[string]*list.Element),
		tags:     make(map[string]mapset.Set[string]),
		lazyFree: lazyFree,
	}
}

// Lock/Unlock expose the shard mutex for the executor's multi-shard lock
// plan, which must acquire several shards in sorted-ascending order
// (spec §4.3, §5 "Ordering") before touching any of them.
func (s *Shard) Lock()   { s.mu.Lock() }
func (s *Shard) Unlock() { s.mu.Unlock() }

// MemoryUsed returns the shard's approximate footprint. It takes the shard
// lock itself, so a caller already holding that lock (e.g. through a lock
// plan) must not call it.
func (s *Shard) MemoryUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryUsed
}

// Len returns the number of live entries, including not-yet-swept expired
// ones (Peek/GetMut lazily delete on access; this is a raw count).
func (s *Shard) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Peek returns the value without updating LRU order (spec §4.1 "peek does
// not [touch LRU]"). Returns false if absent or expired; an expired entry
// is scheduled for lazy deletion as a side effect.
func (s *Shard) Peek(key string, now time.Time) (*StoredValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	v := el.Value.(*entry).value
	if v.IsExpired(now) {
		s.removeLocked(key)
		return nil, false
	}
	return v, true
}

// GetMut returns the value, moving it to the front of the LRU order and
// bumping its version (spec §4.1 "get_mut (LRU touch + version++)").
// Callers that only read without mutating should prefer Peek; GetMut is
// for the write path where a version bump is semantically correct.
func (s *Shard) GetMut(key string, now time.Time) (*StoredValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	v := el.Value.(*entry).value
	if v.IsExpired(now) {
		s.removeLocked(key)
		return nil, false
	}
	s.order.MoveToFront(el)
	v.Version++
	v.Touch(now.Unix() / 60)
	return v, true
}

// Put inserts or replaces key's value, recomputing the shard's memory
// total and the tag reverse index (spec §4.1 "recomputes ... adjusts the
// shard's total"). The new value's Version is left untouched by Put
// itself; callers bump it explicitly so "first write" and "nth mutation"
// are both representable.
func (s *Shard) Put(key string, v *StoredValue, tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		old := el.Value.(*entry).value
		s.memoryUsed -= old.SizeBytes
		s.untagLocked(key, old)
		el.Value.(*entry).value = v
		s.order.MoveToFront(el)
	} else {
		el := s.order.PushFront(&entry{key: key, value: v})
		s.index[key] = el
	}
	s.memoryUsed += v.SizeBytes
	s.tagLocked(key, tags)
}

// Remove deletes key, returning the removed value (or nil if absent). The
// value is handed to the lazy-free channel when present and non-trivial.
func (s *Shard) Remove(key string) *StoredValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *Shard) removeLocked(key string) *StoredValue {
	el, ok := s.index[key]
	if !ok {
		return nil
	}
	v := el.Value.(*entry).value
	s.order.Remove(el)
	delete(s.index, key)
	s.memoryUsed -= v.SizeBytes
	s.untagLocked(key, v)
	s.offerLazyFree(v)
	return v
}

// offerLazyFree hands large values to the background lazy-free worker
// (spec §3 "Large values freed on a lazy-free channel"); small values are
// just dropped by the GC inline. The size threshold is a fixed 64 KiB; the
// safety.auto_unlink_on_del_threshold config value is not consulted here.
func (s *Shard) offerLazyFree(v *StoredValue) {
	if v == nil || s.lazyFree == nil {
		return
	}
	const lazyFreeThreshold = 64 * 1024
	if v.SizeBytes < lazyFreeThreshold {
		return
	}
	select {
	case s.lazyFree <- v:
	default:
		// Channel full: free inline rather than block the hot path.
	}
}

func (s *Shard) tagLocked(key string, tags []string) {
	for _, t := range tags {
		set, ok := s.tags[t]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			s.tags[t] = set
		}
		set.Add(key)
	}
}

func (s *Shard) untagLocked(key string, v *StoredValue) {
	if v == nil || v.Kind != KindHTTPCache || v.Cache == nil {
		return
	}
	for _, t := range v.Cache.Tags {
		if set, ok := s.tags[t]; ok {
			set.Remove(key)
			if set.Cardinality() == 0 {
				delete(s.tags, t)
			}
		}
	}
}

// KeysForTag returns a snapshot of keys currently associated with tag.
func (s *Shard) KeysForTag(tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.tags[tag]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

// ScanAll calls fn for every live (non-expired) key in MRU-to-LRU order.
// fn returning false stops the scan early. Used by the snapshot writer and
// by server.CacheSampler's revalidator sampling pass (spec §4.5).
func (s *Shard) ScanAll(now time.Time, fn func(key string, v *StoredValue) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.value.IsExpired(now) {
			continue
		}
		if !fn(e.key, e.value) {
			return
		}
	}
}

// SampleVolatile returns the first n keys, in MRU-to-LRU order, that carry
// an expiry; the selection is not random.
func (s *Shard) SampleVolatile(n int, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for el := s.order.Front(); el != nil && len(out) < n; el = el.Next() {
		e := el.Value.(*entry)
		if e.value.HasExpiry() {
			out = append(out, e.key)
		}
	}
	return out
}

// ExpiredSample returns up to n keys that are already expired as of now,
// walking from the LRU end — used by the active TTL sweeper (original
// src/core/storage/ttl.rs get_expired_sample_keys).
func (s *Shard) ExpiredSample(n int, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for el := s.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		e := el.Value.(*entry)
		if e.value.IsExpired(now) {
			out = append(out, e.key)
		}
	}
	return out
}

// PopLRU removes and returns the least-recently-used entry, used by the
// allkeys-lru eviction policy (original evict_lru: "pop_lru").
func (s *Shard) PopLRU() (string, *StoredValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := s.order.Back()
	if el == nil {
		return "", nil, false
	}
	e := el.Value.(*entry)
	key, v := e.key, e.value
	s.order.Remove(el)
	delete(s.index, key)
	s.memoryUsed -= v.SizeBytes
	s.untagLocked(key, v)
	s.offerLazyFree(v)
	return key, v, true
}

// RandomKey returns a uniformly random key, optionally restricted to keys
// that carry an expiry (volatile-* policies), or false if none qualify.
func (s *Shard) RandomKey(volatileOnly bool, rng *rand.Rand) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.order.Len()
	if n == 0 {
		return "", false
	}
	// Reservoir-sample over the qualifying subset in one pass, matching
	// the original's `.iter().filter(...).choose(&mut rng)`.
	var chosen string
	count := 0
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if volatileOnly && !e.value.HasExpiry() {
			continue
		}
		count++
		if rng.Intn(count) == 0 {
			chosen = e.key
		}
	}
	if count == 0 {
		return "", false
	}
	return chosen, true
}

// OldestVolatileFromBack returns the first (from LRU end) key with an
// expiry set, used by volatile-lru's backward scan for a candidate within
// one sampled shard.
func (s *Shard) OldestVolatileFromBack() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.value.HasExpiry() {
			return e.key, true
		}
	}
	return "", false
}

// NearestExpiry returns the key with the soonest expiry among keys that
// have one, for the volatile-ttl policy's per-shard candidate search.
func (s *Shard) NearestExpiry() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bestKey string
	var bestAt time.Time
	found := false
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.value.HasExpiry() {
			continue
		}
		if !found || e.value.Expiry.Before(bestAt) {
			bestKey, bestAt, found = e.key, e.value.Expiry, true
		}
	}
	return bestKey, bestAt, found
}

// LFUSampleCandidate returns one random key and its LFU info, restricted
// to volatile keys when volatileOnly is set, mirroring the original's
// per-shard `.iter().choose(&mut rng)` step inside evict_lfu's 2*SAMPLE_SIZE loop.
func (s *Shard) LFUSampleCandidate(volatileOnly bool, rng *rand.Rand) (string, LfuInfo, bool) {
	key, ok := s.RandomKey(volatileOnly, rng)
	if !ok {
		return "", LfuInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[key]
	if !ok {
		return "", LfuInfo{}, false
	}
	return key, el.Value.(*entry).value.LFU, true
}
