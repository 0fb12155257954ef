package httpcache

import (
	"strconv"
	"time"

	"github.com/spineldb/spineldb/internal/storage"
)

// GetResult is the outcome of a full CACHE.GET-shaped operation: the
// Lookup verdict plus whatever synchronous/background work Get performed
// on the caller's behalf.
type GetResult struct {
	LookupResult
	// Revalidated is true when Get performed a synchronous revalidation
	// (grace window or force-revalidate) before returning.
	Revalidated bool
	// BackgroundStarted is true when Get won the per-key SWR try-lock and
	// launched an async revalidation goroutine.
	BackgroundStarted bool
}

// RevalidateAndStore is the caller-supplied closure that fetches
// revalidateURL, applies the result to entry under the caller's own shard
// lock, and returns the refreshed variant. Get calls this synchronously
// for OutcomeNeedsRevalidation and asynchronously (goroutine, its own
// locking) for OutcomeNeedsBackgroundRevalidation.
type RevalidateAndStore func(entry *storage.StoredValue, req LookupRequest) (*storage.Variant, error)

// Get implements CACHE.GET's orchestration atop Lookup (spec §4.5 steps
// 1-8): it classifies the entry, and for the two revalidation-needed
// outcomes either revalidates synchronously (grace/force), returning the
// refreshed variant when revalidate succeeds, or launches a background
// revalidation gated by TryLockSWR (SWR) and returns the stale variant at
// once.
//
// entry/tags must be read under the caller's shard lock; Get does not
// acquire storage locks itself. revalidate is invoked with that same
// entry, so its own locking discipline is the caller's responsibility.
func (e *Engine) Get(entry *storage.StoredValue, tags []string, req LookupRequest, revalidate RevalidateAndStore) GetResult {
	now := e.Now()
	lookup := Lookup(entry, tags, e, e.clusterMode(), req, now)

	switch lookup.Outcome {
	case OutcomeBody, OutcomeNotModified:
		e.Stats.incHit()
		return GetResult{LookupResult: lookup}

	case OutcomeNegative:
		e.Stats.incHit()
		return GetResult{LookupResult: lookup}

	case OutcomeNeedsRevalidation:
		e.Stats.incStaleHit()
		e.Stats.incRevalidation()
		if revalidate == nil {
			return GetResult{LookupResult: lookup}
		}
		if fresh, err := revalidate(entry, req); err == nil && fresh != nil {
			lookup.Variant = fresh
		}
		return GetResult{LookupResult: lookup, Revalidated: true}

	case OutcomeNeedsBackgroundRevalidation:
		e.Stats.incStaleHit()
		started := false
		if revalidate != nil {
			if unlock, ok := e.TryLockSWR(lookupKey(entry, lookup)); ok {
				started = true
				e.Stats.incRevalidation()
				go func() {
					defer unlock()
					_, _ = revalidate(entry, req)
				}()
			}
		}
		return GetResult{LookupResult: lookup, BackgroundStarted: started}

	default: // OutcomeMiss
		e.Stats.incMiss()
		return GetResult{LookupResult: lookup}
	}
}

// lookupKey derives the SWR try-lock token. The variant hash alone would
// collide across keys, so the caller's RevalidateURL (stable per entry)
// is used; without one it falls back to the first of the entry's tags,
// and to the empty string for an untagged entry.
func lookupKey(entry *storage.StoredValue, lookup LookupResult) string {
	if lookup.RevalidateURL != "" {
		return lookup.RevalidateURL
	}
	for _, tag := range entry.Cache.Tags {
		return tag
	}
	return ""
}

func (e *Engine) clusterMode() bool {
	return e.ClusterMode
}

// ProxyResolution is what Proxy resolved for a CACHE.PROXY-shaped lookup:
// the matched policy (if any) and the fully-interpolated origin URL.
type ProxyResolution struct {
	Policy Policy
	Found  bool
	URL    string
}

// Proxy implements CACHE.PROXY's policy-resolution step (spec §4.5
// "Proxy"/cache_proxy.rs): match the key against the policy store and
// interpolate its URL template. The caller is responsible for then calling
// FetchFromOrigin with the resolved URL and for applying the policy's
// TTL/SWR/grace/tags/vary-on to the stored entry.
func (e *Engine) Proxy(key string, headers []Header) ProxyResolution {
	policy, ok := e.Policies.MatchForKey(key)
	if !ok {
		return ProxyResolution{}
	}
	return ProxyResolution{Policy: policy, Found: true, URL: ResolveURL(policy, key, headers)}
}

// PurgeTagLocal implements the standalone (non-cluster) half of
// CACHE.PURGETAG (spec §4.5 "Tag purge: Standalone"): delete every key
// currently indexed under tag. removeKey is the caller's shard-routing
// remove function (storage.Shard.Remove, routed by key hash).
func PurgeTagLocal(keysForTag func(tag string) []string, removeKey func(key string)) func(tag string) int {
	return func(tag string) int {
		keys := keysForTag(tag)
		for _, key := range keys {
			removeKey(key)
		}
		return len(keys)
	}
}

// PurgeTagCluster implements the cluster half of CACHE.PURGETAG (spec
// §4.5 "Tag purge: Cluster"): allocate a new epoch for tag, bump the local
// epoch map, and broadcast (tag, epoch) to the rest of the cluster so
// peers update their own epoch maps on receipt, exactly as the doc
// comment on BumpTagEpoch describes. broadcast may be nil in standalone
// (non-cluster) mode. The actual key deletion still happens lazily, the
// next time each key is looked up and found stale against the bumped
// epoch (Lookup's step 3), rather than synchronously here.
func (e *Engine) PurgeTagCluster(tag string, allocateEpoch func() uint64, broadcast func(tag string, epoch uint64)) uint64 {
	epoch := allocateEpoch()
	e.BumpTagEpoch(tag, epoch)
	if broadcast != nil {
		broadcast(tag, epoch)
	}
	return epoch
}

// ApplyFetchResult writes an OriginResult into entry's variant map under
// the caller's shard lock, applying the negative-cache sentinel when
// appropriate and enforcing the per-key variant cap (spec §4.5 "Fetch").
// now defaults to time.Now when zero.
func (e *Engine) ApplyFetchResult(entry *storage.StoredValue, variantHash uint64, result *OriginResult, now time.Time) {
	if now.IsZero() {
		now = e.Now()
	}
	if entry.Cache == nil {
		entry.Cache = storage.NewHTTPCacheValue()
	}

	metadata := result.Metadata
	body := result.Body
	if result.Negative {
		metadata.ETag = NegativeCacheETag
		body = storage.VariantBody{InMemory: []byte(strconv.Itoa(result.StatusCode))}
	}

	entry.Cache.Variants[variantHash] = &storage.Variant{
		Body:         body,
		Metadata:     metadata,
		LastAccessed: now,
	}
	EnforceVariantCap(entry.Cache, e.Config.MaxVariantsPerKey, variantHash)
}
