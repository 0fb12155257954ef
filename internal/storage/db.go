// Grounded on original_source/src/core/database/core.rs (Db owning
// NUM_SHARDS shards, get_shard hashing) and server/context.rs (the server
// hosting a fixed array of Dbs). NumShards defaults to 128 per spec §3.
package storage

import (
	"container/list"
	"hash/fnv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultNumShards is the spec's "typically 128" shard count.
const DefaultNumShards = 128

// Database is one logical database: a fixed power-of-two array of
// independent Shards (spec §3 "Database"). It keeps no scan-cursor state.
type Database struct {
	Index    int
	shards   []*Shard
	numMask  uint32
	DirtyKeys uint64 // not updated anywhere in this module; the dirty-keys counter is server.State's
}

// NewDatabase builds a Database with numShards shards (rounded up to the
// next power of two if not already one). lazyFree is shared by every shard.
func NewDatabase(index, numShards int, lazyFree chan *StoredValue) *Database {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	numShards = nextPow2(numShards)
	shards := make([]*Shard, numShards)
	for i := range shards {
		shards[i] = NewShard(lazyFree)
	}
	return &Database{Index: index, shards: shards, numMask: uint32(numShards - 1)}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// NumShards returns the shard count.
func (d *Database) NumShards() int { return len(d.shards) }

// Shard returns the shard at index i (0 <= i < NumShards()).
func (d *Database) Shard(i int) *Shard { return d.shards[i] }

// ShardIndex computes which shard owns key, by FNV-1a hash masked to the
// shard count — any stable hash works since shard assignment only needs to
// be consistent within one process's lifetime, matching the original's use
// of a simple hasher over the key bytes in get_shard.
func (d *Database) ShardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() & d.numMask)
}

// ShardFor returns the shard that owns key.
func (d *Database) ShardFor(key string) *Shard {
	return d.shards[d.ShardIndex(key)]
}

// ShardIndicesFor returns the sorted, de-duplicated set of shard indices
// that own the given keys — the input to the executor's multi-shard lock
// plan (spec §4.3, §5 "Ordering": "sorted ascending shard indices").
func (d *Database) ShardIndicesFor(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		seen[d.ShardIndex(k)] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sortInts(out)
	return out
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}

// KeyCount returns the total number of live entries across all shards.
// Like Shard.Len, this counts not-yet-swept expired entries.
func (d *Database) KeyCount() int {
	total := 0
	for _, s := range d.shards {
		total += s.Len()
	}
	return total
}

// MemoryUsed sums every shard's approximate footprint.
func (d *Database) MemoryUsed() int {
	total := 0
	for _, s := range d.shards {
		total += s.MemoryUsed()
	}
	return total
}

// Delete removes keys (possibly spanning shards), locking each owning
// shard only for the duration of its own removals, and returns the count
// actually removed. Used by DEL and by the active TTL sweeper's batch
// delete (original Db::del).
func (d *Database) Delete(keys []string) int {
	byShard := make(map[int][]string)
	for _, k := range keys {
		idx := d.ShardIndex(k)
		byShard[idx] = append(byShard[idx], k)
	}
	removed := 0
	for idx, ks := range byShard {
		s := d.shards[idx]
		s.Lock()
		for _, k := range ks {
			if s.removeLocked(k) != nil {
				removed++
			}
		}
		s.Unlock()
	}
	return removed
}

// ExpiredSampleKeys samples up to n possibly-expired keys per shard across
// the whole database, used by the active TTL manager
// (original src/core/storage/ttl.rs TtlManager).
func (d *Database) ExpiredSampleKeys(n int, now time.Time) []string {
	var out []string
	for _, s := range d.shards {
		out = append(out, s.ExpiredSample(n, now)...)
	}
	return out
}

// Flush removes every key from every shard, returning the count removed
// (used by FLUSHDB's write-outcome = Flush).
func (d *Database) Flush() int {
	total := 0
	for _, s := range d.shards {
		s.Lock()
		total += s.order.Len()
		s.order.Init()
		s.index = make(map[string]*list.Element)
		s.tags = make(map[string]mapset.Set[string])
		s.memoryUsed = 0
		s.Unlock()
	}
	return total
}
