package httpcache

import (
	"testing"
	"time"

	"github.com/spineldb/spineldb/internal/storage"
	"github.com/stretchr/testify/require"
)

func freshEntry(now time.Time) *storage.StoredValue {
	cache := storage.NewHTTPCacheValue()
	cache.Variants[0] = &storage.Variant{Metadata: storage.HTTPMetadata{ETag: `"v1"`}}
	return &storage.StoredValue{Kind: storage.KindHTTPCache, Cache: cache, Expiry: now.Add(time.Hour)}
}

type fixedEpochs map[string]uint64

func (f fixedEpochs) EpochFor(tag string) (uint64, bool) {
	e, ok := f[tag]
	return e, ok
}

func TestLookupMissWhenVariantAbsent(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Cache.SetVaryOn([]string{"Accept-Language"})

	res := Lookup(entry, nil, nil, false, LookupRequest{Headers: []Header{{Name: "Accept-Language", Value: "en"}}}, now)
	require.Equal(t, OutcomeMiss, res.Outcome, "no variant stored yet for this vary-on hash")
}

func TestLookupFreshReturnsBody(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	res := Lookup(entry, nil, nil, false, LookupRequest{}, now)
	require.Equal(t, OutcomeBody, res.Outcome)
	require.NotNil(t, res.Variant)
}

func TestLookupFreshConditionalIfNoneMatch(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	res := Lookup(entry, nil, nil, false, LookupRequest{IfNoneMatch: `"v1"`}, now)
	require.Equal(t, OutcomeNotModified, res.Outcome)
}

func TestLookupStaleWithinSWRNeedsBackgroundRevalidation(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Expiry = now.Add(-time.Second)
	entry.StaleAt = now.Add(time.Minute)
	entry.Cache.Variants[0].Metadata.RevalidateURL = "https://example.com/a"

	res := Lookup(entry, nil, nil, false, LookupRequest{}, now)
	require.Equal(t, OutcomeNeedsBackgroundRevalidation, res.Outcome)
	require.Equal(t, "https://example.com/a", res.RevalidateURL)
}

func TestLookupStaleWithinGraceNeedsSynchronousRevalidation(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Expiry = now.Add(-time.Hour)
	entry.StaleAt = now.Add(-time.Minute)
	entry.GraceAt = now.Add(time.Minute)
	entry.Cache.Variants[0].Metadata.RevalidateURL = "https://example.com/a"

	res := Lookup(entry, nil, nil, false, LookupRequest{}, now)
	require.Equal(t, OutcomeNeedsRevalidation, res.Outcome)
}

func TestLookupStaleWithinGraceNoURLFallsBackToStaleBody(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Expiry = now.Add(-time.Hour)
	entry.StaleAt = now.Add(-time.Minute)
	entry.GraceAt = now.Add(time.Minute)

	res := Lookup(entry, nil, nil, false, LookupRequest{}, now)
	require.Equal(t, OutcomeBody, res.Outcome)
}

func TestLookupDeadIsMiss(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Expiry = now.Add(-time.Hour)
	entry.StaleAt = now.Add(-time.Hour)
	entry.GraceAt = now.Add(-time.Minute)

	res := Lookup(entry, nil, nil, false, LookupRequest{}, now)
	require.Equal(t, OutcomeMiss, res.Outcome)
}

func TestLookupForceRevalidateOverridesFreshness(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Cache.Variants[0].Metadata.RevalidateURL = "https://example.com/a"
	res := Lookup(entry, nil, nil, false, LookupRequest{ForceRevalidate: true}, now)
	require.Equal(t, OutcomeNeedsRevalidation, res.Outcome)
}

func TestLookupNegativeCacheHit(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Cache.Variants[0].Metadata.ETag = NegativeCacheETag
	entry.Cache.Variants[0].Body = storage.VariantBody{InMemory: []byte("503")}

	res := Lookup(entry, nil, nil, false, LookupRequest{}, now)
	require.Equal(t, OutcomeNegative, res.Outcome)
	require.Equal(t, "503", res.NegativeCode)
}

func TestLookupClusterModeStaleTagEpochIsMiss(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Cache.TagsEpoch = 1
	epochs := fixedEpochs{"tagA": 2}

	res := Lookup(entry, []string{"tagA"}, epochs, true, LookupRequest{}, now)
	require.Equal(t, OutcomeMiss, res.Outcome)
}

func TestLookupClusterModeCurrentTagEpochIsFresh(t *testing.T) {
	now := time.Now()
	entry := freshEntry(now)
	entry.Cache.TagsEpoch = 2
	epochs := fixedEpochs{"tagA": 2}

	res := Lookup(entry, []string{"tagA"}, epochs, true, LookupRequest{}, now)
	require.Equal(t, OutcomeBody, res.Outcome)
}
