package httpcache

import (
	"testing"
	"time"

	"github.com/spineldb/spineldb/internal/config"
	"github.com/spineldb/spineldb/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestEngineGetFreshHitDoesNotRevalidate(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	entry := freshEntry(time.Now())

	called := false
	res := e.Get(entry, nil, LookupRequest{}, func(*storage.StoredValue, LookupRequest) (*storage.Variant, error) {
		called = true
		return nil, nil
	})

	require.Equal(t, OutcomeBody, res.Outcome)
	require.False(t, called)
	require.False(t, res.Revalidated)
	snap := e.Stats.Snapshot()
	require.EqualValues(t, 1, snap.Hits)
}

func TestEngineGetGraceWindowRevalidatesSynchronously(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	now := time.Now()
	entry := freshEntry(now)
	entry.Expiry = now.Add(-time.Hour)
	entry.StaleAt = now.Add(-time.Minute)
	entry.GraceAt = now.Add(time.Minute)
	entry.Cache.Variants[0].Metadata.RevalidateURL = "https://example.com/a"

	fresh := &storage.Variant{Metadata: storage.HTTPMetadata{ETag: `"v2"`}}
	res := e.Get(entry, nil, LookupRequest{}, func(*storage.StoredValue, LookupRequest) (*storage.Variant, error) {
		return fresh, nil
	})

	require.Equal(t, OutcomeNeedsRevalidation, res.Outcome)
	require.True(t, res.Revalidated)
	require.Same(t, fresh, res.Variant)
}

func TestEngineGetSWRLaunchesBackgroundRevalidationOnce(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	now := time.Now()
	entry := freshEntry(now)
	entry.Expiry = now.Add(-time.Second)
	entry.StaleAt = now.Add(time.Minute)
	entry.Cache.Variants[0].Metadata.RevalidateURL = "https://example.com/a"

	started := make(chan struct{}, 2)
	revalidate := func(*storage.StoredValue, LookupRequest) (*storage.Variant, error) {
		started <- struct{}{}
		return nil, nil
	}

	res := e.Get(entry, nil, LookupRequest{}, revalidate)
	require.Equal(t, OutcomeNeedsBackgroundRevalidation, res.Outcome)
	require.True(t, res.BackgroundStarted)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("background revalidation never ran")
	}
}

func TestProxyResolvesMatchedPolicyURL(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	e.Policies.Set(Policy{Name: "p", KeyPattern: "img:*", URLTemplate: "https://origin.example/{1}"})

	res := e.Proxy("img:42", nil)
	require.True(t, res.Found)
	require.Equal(t, "https://origin.example/42", res.URL)
}

func TestProxyNoMatchReturnsNotFound(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	res := e.Proxy("video:1", nil)
	require.False(t, res.Found)
}

func TestPurgeTagLocalRemovesEveryKeyForTag(t *testing.T) {
	removed := map[string]bool{}
	purge := PurgeTagLocal(
		func(tag string) []string { return []string{"a", "b", "c"} },
		func(key string) { removed[key] = true },
	)
	n := purge("tagA")
	require.Equal(t, 3, n)
	require.True(t, removed["a"])
	require.True(t, removed["b"])
	require.True(t, removed["c"])
}

func TestPurgeTagClusterBumpsLocalEpoch(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	var next uint64 = 41
	var broadcastTag string
	var broadcastEpoch uint64
	epoch := e.PurgeTagCluster("tagA", func() uint64 { next++; return next }, func(tag string, epoch uint64) {
		broadcastTag = tag
		broadcastEpoch = epoch
	})
	require.Equal(t, uint64(42), epoch)
	got, ok := e.EpochFor("tagA")
	require.True(t, ok)
	require.Equal(t, uint64(42), got)
	require.Equal(t, "tagA", broadcastTag)
	require.Equal(t, uint64(42), broadcastEpoch)
}

func TestApplyFetchResultStoresNegativeSentinelOnFailure(t *testing.T) {
	e := NewEngine(config.CacheConfig{MaxVariantsPerKey: 4}, config.SecurityConfig{}, nil, nil)
	entry := &storage.StoredValue{Kind: storage.KindHTTPCache}
	e.ApplyFetchResult(entry, 7, &OriginResult{StatusCode: 503, Negative: true}, time.Now())

	v := entry.Cache.Variants[7]
	require.NotNil(t, v)
	require.Equal(t, NegativeCacheETag, v.Metadata.ETag)
	require.Equal(t, "503", string(v.Body.InMemory))
}

func TestApplyFetchResultEnforcesVariantCap(t *testing.T) {
	e := NewEngine(config.CacheConfig{MaxVariantsPerKey: 1}, config.SecurityConfig{}, nil, nil)
	entry := &storage.StoredValue{Kind: storage.KindHTTPCache, Cache: storage.NewHTTPCacheValue()}
	entry.Cache.Variants[1] = &storage.Variant{LastAccessed: time.Now().Add(-time.Hour)}

	e.ApplyFetchResult(entry, 2, &OriginResult{StatusCode: 200, Body: storage.VariantBody{InMemory: []byte("x")}}, time.Now())

	require.Len(t, entry.Cache.Variants, 1)
	_, kept := entry.Cache.Variants[2]
	require.True(t, kept)
}
