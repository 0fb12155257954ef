package httpcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spineldb/spineldb/internal/config"
	"golang.org/x/sync/singleflight"
)

// Stats are the atomic counters CACHE.STATS reports (cache_stats.rs).
type Stats struct {
	Hits          uint64
	Misses        uint64
	StaleHits     uint64
	Revalidations uint64
	Evictions     uint64
}

func (s *Stats) incHit()          { atomic.AddUint64(&s.Hits, 1) }
func (s *Stats) incMiss()         { atomic.AddUint64(&s.Misses, 1) }
func (s *Stats) incStaleHit()     { atomic.AddUint64(&s.StaleHits, 1) }
func (s *Stats) incRevalidation() { atomic.AddUint64(&s.Revalidations, 1) }
func (s *Stats) incEviction()     { atomic.AddUint64(&s.Evictions, 1) }

// Snapshot returns a point-in-time copy, safe to read concurrently with
// writers.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Hits:          atomic.LoadUint64(&s.Hits),
		Misses:        atomic.LoadUint64(&s.Misses),
		StaleHits:     atomic.LoadUint64(&s.StaleHits),
		Revalidations: atomic.LoadUint64(&s.Revalidations),
		Evictions:     atomic.LoadUint64(&s.Evictions),
	}
}

// Engine ties the HTTP cache engine's collaborators together (spec §4.5):
// config, the origin Fetcher, an optional on-disk BodyStore, the policy
// set, and the single-flight/SWR locking that makes concurrent fetches of
// the same key converge on one origin request.
//
// Grounded on original_source/src/core/commands/cache/{cache_fetch,
// cache_get,cache_proxy}.rs, which thread the same collaborators (state.cache
// .fetch_locks / .swr_locks / .policies / .tag_purge_epochs) through every
// CACHE.* command. golang.org/x/sync/singleflight replaces the original's
// per-key Arc<Mutex<()>> map for the fetch-leader election (fetch_locks):
// it is already a transitive dependency of the teacher's module graph and
// is the idiomatic Go answer to exactly this "first caller does the work,
// everyone else awaits it" pattern.
type Engine struct {
	Config      config.CacheConfig
	Security    config.SecurityConfig
	Fetcher     Fetcher
	Store       BodyStore
	Policies    *PolicyStore
	Now         func() time.Time
	ClusterMode bool

	Stats Stats

	mu             sync.Mutex
	tagPurgeEpochs map[string]uint64

	fetchGroup singleflight.Group
	swrLocks   sync.Map // key string -> *sync.Mutex, try-locked for the background-revalidation gate
}

// NewEngine constructs an Engine. fetcher/store may be nil to use the
// package defaults (DefaultFetcher, in-memory-only bodies).
func NewEngine(cfg config.CacheConfig, sec config.SecurityConfig, fetcher Fetcher, store BodyStore) *Engine {
	if fetcher == nil {
		fetcher = NewDefaultFetcher()
	}
	return &Engine{
		Config:         cfg,
		Security:       sec,
		Fetcher:        fetcher,
		Store:          store,
		Policies:       NewPolicyStore(),
		Now:            time.Now,
		tagPurgeEpochs: make(map[string]uint64),
	}
}

// EpochFor implements TagEpochChecker against the engine's local purge-
// epoch map (the cluster-wide side is driven by internal/cluster gossip
// calling BumpTagEpoch on receipt of a PurgeTags message).
func (e *Engine) EpochFor(tag string) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	epoch, ok := e.tagPurgeEpochs[tag]
	return epoch, ok
}

// BumpTagEpoch records a new purge epoch for tag if it is newer than what's
// already known, matching "Peers update their epoch maps on receipt" (spec
// §4.5 "Tag purge: Cluster").
func (e *Engine) BumpTagEpoch(tag string, epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.tagPurgeEpochs[tag]; !ok || epoch > cur {
		e.tagPurgeEpochs[tag] = epoch
	}
}

// TryLockSWR attempts to acquire the per-key background-revalidation gate
// (spec §4.5 step 6, "schedule a single background revalidation (per-key
// try-lock)"). The returned unlock func must be called exactly once if ok
// is true.
func (e *Engine) TryLockSWR(key string) (unlock func(), ok bool) {
	lockIface, _ := e.swrLocks.LoadOrStore(key, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}
