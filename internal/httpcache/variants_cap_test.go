package httpcache

import (
	"testing"
	"time"

	"github.com/spineldb/spineldb/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestEnforceVariantCapEvictsOldestFirst(t *testing.T) {
	entry := storage.NewHTTPCacheValue()
	base := time.Now()
	entry.Variants[1] = &storage.Variant{LastAccessed: base}
	entry.Variants[2] = &storage.Variant{LastAccessed: base.Add(time.Minute)}
	entry.Variants[3] = &storage.Variant{LastAccessed: base.Add(2 * time.Minute)}

	EnforceVariantCap(entry, 2, 3)

	require.Len(t, entry.Variants, 2)
	_, hasOldest := entry.Variants[1]
	require.False(t, hasOldest, "the least-recently-accessed variant should be evicted")
	_, hasKept := entry.Variants[3]
	require.True(t, hasKept)
}

func TestEnforceVariantCapNeverEvictsTheKeyJustWritten(t *testing.T) {
	entry := storage.NewHTTPCacheValue()
	base := time.Now()
	entry.Variants[1] = &storage.Variant{LastAccessed: base}
	entry.Variants[2] = &storage.Variant{LastAccessed: base.Add(time.Minute)}

	EnforceVariantCap(entry, 1, 1)

	require.Len(t, entry.Variants, 1)
	_, kept := entry.Variants[1]
	require.True(t, kept, "keep hash must survive even though it is the oldest")
}

func TestEnforceVariantCapDefaultsWhenZero(t *testing.T) {
	entry := storage.NewHTTPCacheValue()
	entry.Variants[1] = &storage.Variant{LastAccessed: time.Now()}
	EnforceVariantCap(entry, 0, 0)
	require.Len(t, entry.Variants, 1)
}
