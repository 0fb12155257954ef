package httpcache

import (
	"testing"

	"github.com/spineldb/spineldb/internal/config"
	"github.com/stretchr/testify/require"
)

func TestEngineBumpTagEpochOnlyAdvancesForward(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	e.BumpTagEpoch("t", 5)
	e.BumpTagEpoch("t", 3)
	epoch, ok := e.EpochFor("t")
	require.True(t, ok)
	require.Equal(t, uint64(5), epoch)

	e.BumpTagEpoch("t", 9)
	epoch, _ = e.EpochFor("t")
	require.Equal(t, uint64(9), epoch)
}

func TestEngineEpochForUnknownTag(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	_, ok := e.EpochFor("missing")
	require.False(t, ok)
}

func TestEngineTryLockSWRIsExclusivePerKey(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	unlock, ok := e.TryLockSWR("k")
	require.True(t, ok)

	_, ok2 := e.TryLockSWR("k")
	require.False(t, ok2, "a second try-lock on the same key must fail while the first holds it")

	unlock()
	_, ok3 := e.TryLockSWR("k")
	require.True(t, ok3, "releasing the lock must allow another holder")
}

func TestEngineTryLockSWRIndependentAcrossKeys(t *testing.T) {
	e := NewEngine(config.CacheConfig{}, config.SecurityConfig{}, nil, nil)
	_, ok1 := e.TryLockSWR("a")
	_, ok2 := e.TryLockSWR("b")
	require.True(t, ok1)
	require.True(t, ok2)
}
