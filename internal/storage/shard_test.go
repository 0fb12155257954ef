package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShardPutGetPeek(t *testing.T) {
	s := NewShard(nil)
	now := time.Now()
	v := &StoredValue{Kind: KindString, Str: []byte("a"), SizeBytes: 1}
	s.Put("k", v, nil)

	got, ok := s.Peek("k", now)
	require.True(t, ok)
	require.Equal(t, uint64(0), got.Version)

	got, ok = s.GetMut("k", now)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Version)
	require.Equal(t, 1, s.MemoryUsed())
}

func TestShardExpiry(t *testing.T) {
	s := NewShard(nil)
	now := time.Now()
	v := &StoredValue{Kind: KindString, Str: []byte("a"), Expiry: now.Add(-time.Second)}
	s.Put("k", v, nil)

	_, ok := s.Peek("k", now)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestShardTagIndex(t *testing.T) {
	s := NewShard(nil)
	s.Put("a", &StoredValue{Kind: KindHTTPCache, Cache: &HTTPCacheValue{Tags: []string{"t"}}}, []string{"t"})
	s.Put("b", &StoredValue{Kind: KindHTTPCache, Cache: &HTTPCacheValue{Tags: []string{"t"}}}, []string{"t"})

	keys := s.KeysForTag("t")
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	s.Remove("a")
	require.ElementsMatch(t, []string{"b"}, s.KeysForTag("t"))
}

func TestShardPopLRU(t *testing.T) {
	s := NewShard(nil)
	now := time.Now()
	s.Put("a", &StoredValue{Kind: KindString}, nil)
	s.Put("b", &StoredValue{Kind: KindString}, nil)
	s.GetMut("a", now) // touch a, making b the LRU candidate

	key, _, ok := s.PopLRU()
	require.True(t, ok)
	require.Equal(t, "b", key)
}
