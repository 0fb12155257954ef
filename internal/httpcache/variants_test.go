package httpcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVariantHashEmptyVaryOnIsZero(t *testing.T) {
	require.Equal(t, uint64(0), VariantHash(nil, []Header{{Name: "Accept", Value: "text/html"}}))
}

func TestVariantHashStableForSameRelevantHeaders(t *testing.T) {
	vary := []string{"Accept-Language"}
	a := VariantHash(vary, []Header{{Name: "Accept-Language", Value: "en-US,fr;q=0.8"}})
	b := VariantHash(vary, []Header{{Name: "Accept-Language", Value: "fr;q=0.8,en-US"}})
	require.Equal(t, a, b, "accept-language variants should normalize order-insensitively")
}

func TestVariantHashIgnoresHeadersNotInVaryOn(t *testing.T) {
	vary := []string{"Accept-Language"}
	a := VariantHash(vary, []Header{{Name: "Accept-Language", Value: "en"}, {Name: "User-Agent", Value: "a"}})
	b := VariantHash(vary, []Header{{Name: "Accept-Language", Value: "en"}, {Name: "User-Agent", Value: "b"}})
	require.Equal(t, a, b)
}

func TestVariantHashDiffersForDifferentValues(t *testing.T) {
	vary := []string{"Accept-Language"}
	a := VariantHash(vary, []Header{{Name: "Accept-Language", Value: "en"}})
	b := VariantHash(vary, []Header{{Name: "Accept-Language", Value: "fr"}})
	require.NotEqual(t, a, b)
}

func TestNormalizeAcceptEncodingSortsAndStripsQValues(t *testing.T) {
	got := normalizeHeaderValue("Accept-Encoding", "br;q=0.9, gzip")
	require.Equal(t, "br,gzip", got)
}
