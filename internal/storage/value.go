// Package storage implements the sharded keyspace described in spec §4.1:
// the StoredValue tagged union, per-shard LRU-ordered maps with a tag
// reverse index, and the Database that owns a fixed array of shards.
//
// Grounded on original_source/src/core/storage/{cache_types,ttl}.rs and
// core/database/eviction.rs for the data shapes and traversal patterns;
// Set and SortedSet lean on corpus libraries (see DESIGN.md) rather than
// hand-rolled containers.
package storage

import (
	"math/rand"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/btree"
)

// Kind tags which payload field of StoredValue is populated.
type Kind int

const (
	KindString Kind = iota
	KindList
	KindHash
	KindSet
	KindSortedSet
	KindStream
	KindJSON
	KindHyperLogLog
	KindBloomFilter
	KindHTTPCache
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindHash:
		return "hash"
	case KindSet:
		return "set"
	case KindSortedSet:
		return "zset"
	case KindStream:
		return "stream"
	case KindJSON:
		return "json"
	case KindHyperLogLog:
		return "hyperloglog"
	case KindBloomFilter:
		return "bloomfilter"
	case KindHTTPCache:
		return "httpcache"
	default:
		return "unknown"
	}
}

// Set is the Set StoredValue payload, backed by a corpus hash-set
// implementation rather than a hand-rolled map[string]struct{}.
type Set = mapset.Set[string]

// NewSet constructs an empty Set.
func NewSet(members ...string) Set {
	return mapset.NewSet(members...)
}

// zsetItem is one member of a SortedSet, ordered by (Score, Member) so
// btree iteration yields the Redis-compatible tie-break rule (equal scores
// order lexicographically by member).
type zsetItem struct {
	Member string
	Score  float64
}

func (a zsetItem) Less(than btree.Item) bool {
	b := than.(zsetItem)
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Member < b.Member
}

// SortedSet is the ZSET StoredValue payload: a score-ordered B-tree for
// range iteration plus a member->score index for O(log n) lookups/updates.
type SortedSet struct {
	tree    *btree.BTree
	byMember map[string]float64
}

// NewSortedSet constructs an empty SortedSet.
func NewSortedSet() *SortedSet {
	return &SortedSet{tree: btree.New(32), byMember: make(map[string]float64)}
}

// Add inserts or updates member's score. Returns true if member is new.
func (z *SortedSet) Add(member string, score float64) bool {
	if old, ok := z.byMember[member]; ok {
		if old == score {
			return false
		}
		z.tree.Delete(zsetItem{Member: member, Score: old})
		z.tree.ReplaceOrInsert(zsetItem{Member: member, Score: score})
		z.byMember[member] = score
		return false
	}
	z.tree.ReplaceOrInsert(zsetItem{Member: member, Score: score})
	z.byMember[member] = score
	return true
}

// Remove deletes member, returning true if it was present.
func (z *SortedSet) Remove(member string) bool {
	score, ok := z.byMember[member]
	if !ok {
		return false
	}
	z.tree.Delete(zsetItem{Member: member, Score: score})
	delete(z.byMember, member)
	return true
}

// Score returns member's score and whether it exists.
func (z *SortedSet) Score(member string) (float64, bool) {
	s, ok := z.byMember[member]
	return s, ok
}

// Len returns the number of members.
func (z *SortedSet) Len() int { return len(z.byMember) }

// Range calls fn for every member in [start, stop) rank order (0-indexed,
// ascending by score). Iteration stops early if fn returns false.
func (z *SortedSet) Range(start, stop int, fn func(member string, score float64) bool) {
	if start < 0 {
		start = 0
	}
	i := 0
	z.tree.Ascend(func(it btree.Item) bool {
		if i >= stop {
			return false
		}
		item := it.(zsetItem)
		keepGoing := true
		if i >= start {
			keepGoing = fn(item.Member, item.Score)
		}
		i++
		return keepGoing
	})
}

// LfuInfo tracks the LFU approximate-counter and last-access tick used by
// the allkeys-lfu/volatile-lfu eviction policies (spec §4.2).
type LfuInfo struct {
	Counter    uint8
	LastAccess int64 // minutes since epoch, matching the classic Redis LFU decay clock
}

// StoredValue is the tagged union described in spec §3. Exactly one of the
// Data-bearing fields is meaningful for a given Kind; the rest are zero.
type StoredValue struct {
	Kind Kind

	Str    []byte
	List   [][]byte
	Hash   map[string][]byte
	SetVal Set
	ZSet   *SortedSet
	Cache  *HTTPCacheValue

	// Expiry semantics (spec §3 invariants): Expiry <= StaleAt <= GraceAt
	// when all three are set. A zero time.Time means "not set".
	Expiry  time.Time
	StaleAt time.Time
	GraceAt time.Time

	// Version increases strictly on every mutation; WATCH compares it.
	Version uint64

	// SizeBytes is an approximate in-memory footprint supplied by whoever
	// builds or mutates the value; Shard.Put adds it to the shard total as
	// given. Nothing in this package computes or refreshes it.
	SizeBytes int

	LFU LfuInfo
}

// HasExpiry reports whether the value carries an absolute expiry instant.
func (v *StoredValue) HasExpiry() bool { return !v.Expiry.IsZero() }

// IsExpired reports whether now is at or past the value's absolute expiry.
// HTTP cache values use their own grace-aware classification instead (see
// httpcache.Classify); this only covers the plain per-key TTL.
func (v *StoredValue) IsExpired(now time.Time) bool {
	return v.HasExpiry() && !now.Before(v.Expiry)
}

// Touch bumps the LFU counter using the classic logarithmic-probability
// counter used by Redis's LFU policy, and records the current access tick.
func (v *StoredValue) Touch(nowMinutes int64) {
	v.LFU.LastAccess = nowMinutes
	if v.LFU.Counter >= 255 {
		return
	}
	// Probabilistic increment: higher counters increment less often, so the
	// 8-bit counter can represent a much larger effective range.
	p := 1.0 / (float64(v.LFU.Counter)*lfuIncrFactor + 1)
	if lfuRandom() < p {
		v.LFU.Counter++
	}
}

const lfuIncrFactor = 10.0

// lfuRandom is overridable in tests for determinism.
var lfuRandom = func() float64 {
	return rand.Float64()
}
