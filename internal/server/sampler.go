package server

import (
	"time"

	"github.com/spineldb/spineldb/internal/httpcache"
	"github.com/spineldb/spineldb/internal/storage"
)

// CacheSampler implements httpcache.Sampler over the live keyspace: it
// walks every shard's MRU order looking for KindHTTPCache entries whose
// absolute expiry falls inside the revalidator's prewarm window and whose
// most recently touched variant was accessed within the hot window (spec
// §4.5 "Revalidator task"). Grounded on
// original_source/src/core/tasks/cache_revalidator.rs's sampling pass.
type CacheSampler struct {
	Databases []*storage.Database
	Config    httpcache.RevalidatorConfig
	Now       func() time.Time
}

// Sample implements httpcache.Sampler.
func (c *CacheSampler) Sample(n int) []httpcache.PrewarmCandidate {
	if n <= 0 {
		return nil
	}
	now := c.Now()
	out := make([]httpcache.PrewarmCandidate, 0, n)

	for dbIndex, db := range c.Databases {
		for i := 0; i < db.NumShards() && len(out) < n; i++ {
			db.Shard(i).ScanAll(now, func(key string, v *storage.StoredValue) bool {
				if cand, ok := c.candidateFor(dbIndex, key, v, now); ok {
					out = append(out, cand)
				}
				return len(out) < n
			})
		}
	}
	return out
}

func (c *CacheSampler) candidateFor(dbIndex int, key string, v *storage.StoredValue, now time.Time) (httpcache.PrewarmCandidate, bool) {
	if v.Kind != storage.KindHTTPCache || v.Cache == nil || !v.HasExpiry() {
		return httpcache.PrewarmCandidate{}, false
	}
	until := v.Expiry.Sub(now)
	if until <= 0 || until > c.Config.PrewarmWindow {
		return httpcache.PrewarmCandidate{}, false
	}

	var best *storage.Variant
	var bestHash uint64
	for hash, variant := range v.Cache.Variants {
		if now.Sub(variant.LastAccessed) > c.Config.HotWindow {
			continue
		}
		if best == nil || variant.LastAccessed.After(best.LastAccessed) {
			best, bestHash = variant, hash
		}
	}
	if best == nil {
		return httpcache.PrewarmCandidate{}, false
	}
	return httpcache.PrewarmCandidate{
		DBIndex:       dbIndex,
		Key:           key,
		VariantHash:   bestHash,
		RevalidateURL: best.Metadata.RevalidateURL,
		ExpiresAt:     v.Expiry,
		LastAccessed:  best.LastAccessed,
	}, true
}
