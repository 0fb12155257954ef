package httpcache

import (
	"time"

	"github.com/spineldb/spineldb/internal/storage"
)

// NegativeCacheETag is the sentinel etag marking a negative-cache entry
// (spec §4.5 "negative cache ... short TTL, sentinel etag").
const NegativeCacheETag = "__NEGATIVE_CACHE__"

// Freshness classifies a cached value's age against its (expiry,
// stale-revalidate, grace) boundaries (spec §4.5 step 4).
type Freshness int

const (
	Fresh Freshness = iota
	StaleWithinSWR
	StaleWithinGrace
	Dead
)

// Classify implements spec §4.5 step 4: "Classify by time vs (expiry,
// stale-revalidate, grace): fresh / stale-within-SWR / stale-within-grace /
// dead."
func Classify(v *storage.StoredValue, now time.Time) Freshness {
	if v.Expiry.IsZero() || now.Before(v.Expiry) {
		return Fresh
	}
	if !v.StaleAt.IsZero() && now.Before(v.StaleAt) {
		return StaleWithinSWR
	}
	if !v.GraceAt.IsZero() && now.Before(v.GraceAt) {
		return StaleWithinGrace
	}
	return Dead
}

// Outcome is what a Lookup call found.
type Outcome int

const (
	OutcomeMiss Outcome = iota
	OutcomeNotModified
	OutcomeBody
	// OutcomeNegative reports a negative-cache hit: the caller should
	// surface the recorded origin status as an HttpClientError, per
	// cache_get.rs's "Serving negative cache entry" branch.
	OutcomeNegative
	// OutcomeNeedsRevalidation tells the caller to synchronously
	// revalidate (grace window or FORCE-REVALIDATE) before returning.
	OutcomeNeedsRevalidation
	// OutcomeNeedsBackgroundRevalidation tells the caller to serve Variant
	// as-is and additionally kick off an async revalidation, gated by
	// TryLockSWR.
	OutcomeNeedsBackgroundRevalidation
)

// LookupRequest is the input to Lookup (spec §4.5's "A GET request
// carries...").
type LookupRequest struct {
	Headers          []Header
	IfNoneMatch      string
	IfModifiedSince  string
	ForceRevalidate  bool
	RevalidateURL    string // explicit override; falls back to the variant's stored URL
}

// LookupResult is what the caller (a CACHE.GET-shaped command) does next.
type LookupResult struct {
	Outcome       Outcome
	Variant       *storage.Variant
	VariantHash   uint64
	RevalidateURL string
	NegativeCode  string // the recorded status, only set for OutcomeNegative
}

// TagEpochChecker reports the current purge epoch for a tag (spec §4.5
// step 3, "check every tag ... against the local tag-purge-epoch map").
type TagEpochChecker interface {
	EpochFor(tag string) (epoch uint64, ok bool)
}

// Lookup implements spec §4.5's lookup order, steps 1-8, minus the actual
// network revalidation (left to the caller via the returned Outcome, so
// this function stays synchronous and never fetches; its only write is
// the matched variant's LastAccessed on a fresh or SWR hit).
// entry must be non-nil and not yet known-expired by the caller (step 1's
// "key absent" is the caller's job, since that requires a shard lookup).
func Lookup(entry *storage.StoredValue, tags []string, epochs TagEpochChecker, clusterMode bool, req LookupRequest, now time.Time) LookupResult {
	cache := entry.Cache
	variantHash := VariantHash(cache.VaryOn, req.Headers)

	// Step 3: cluster tag-purge-epoch staleness check.
	if clusterMode && epochs != nil {
		for _, tag := range tags {
			if purgeEpoch, ok := epochs.EpochFor(tag); ok && cache.TagsEpoch < purgeEpoch {
				return LookupResult{Outcome: OutcomeMiss}
			}
		}
	}

	variant, ok := cache.Variants[variantHash]
	if !ok {
		return LookupResult{Outcome: OutcomeMiss, VariantHash: variantHash}
	}

	revalidateURL := req.RevalidateURL
	if revalidateURL == "" {
		revalidateURL = variant.Metadata.RevalidateURL
	}

	// Step 8: force-revalidate regardless of freshness.
	if req.ForceRevalidate {
		return LookupResult{Outcome: OutcomeNeedsRevalidation, Variant: variant, VariantHash: variantHash, RevalidateURL: revalidateURL}
	}

	switch Classify(entry, now) {
	case Fresh:
		variant.LastAccessed = now
		if variant.Metadata.ETag == NegativeCacheETag {
			return LookupResult{Outcome: OutcomeNegative, Variant: variant, VariantHash: variantHash, NegativeCode: negativeBody(variant)}
		}
		if req.IfNoneMatch != "" && variant.Metadata.ETag == req.IfNoneMatch {
			return LookupResult{Outcome: OutcomeNotModified, Variant: variant, VariantHash: variantHash}
		}
		if req.IfModifiedSince != "" && variant.Metadata.LastModified == req.IfModifiedSince {
			return LookupResult{Outcome: OutcomeNotModified, Variant: variant, VariantHash: variantHash}
		}
		return LookupResult{Outcome: OutcomeBody, Variant: variant, VariantHash: variantHash}

	case StaleWithinSWR:
		variant.LastAccessed = now
		if revalidateURL == "" {
			return LookupResult{Outcome: OutcomeBody, Variant: variant, VariantHash: variantHash}
		}
		return LookupResult{Outcome: OutcomeNeedsBackgroundRevalidation, Variant: variant, VariantHash: variantHash, RevalidateURL: revalidateURL}

	case StaleWithinGrace:
		if revalidateURL == "" {
			// No way to revalidate; serve stale per "fall back to stale body
			// if still within grace" since grace is, by definition, still
			// active here.
			return LookupResult{Outcome: OutcomeBody, Variant: variant, VariantHash: variantHash}
		}
		return LookupResult{Outcome: OutcomeNeedsRevalidation, Variant: variant, VariantHash: variantHash, RevalidateURL: revalidateURL}

	default: // Dead
		return LookupResult{Outcome: OutcomeMiss, VariantHash: variantHash}
	}
}

func negativeBody(v *storage.Variant) string {
	if v.Body.OnDiskPath != "" {
		return ""
	}
	return string(v.Body.InMemory)
}
