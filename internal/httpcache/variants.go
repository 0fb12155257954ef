// Package httpcache implements spec §4.5's HTTP cache engine: variant
// negotiation, the fresh/SWR/grace/dead lookup state machine, single-flight
// origin fetch, policy matching, and tag-epoch purge. Individual command
// parsing (CACHE.GET/.FETCH/... argument syntax) is an out-of-scope
// collaborator per spec §1; this package exposes the engine operations a
// command implementation calls into.
//
// Grounded on original_source/src/core/commands/cache/{helpers,cache_get,
// cache_fetch,cache_proxy,cache_policy,cache_purgetag}.rs.
package httpcache

import (
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/spineldb/spineldb/internal/storage"
)

// Header is a single request header name/value pair, case-insensitive on
// the name per HTTP semantics.
type Header struct {
	Name  string
	Value string
}

// normalizeHeaderValue mirrors the original's per-header normalization
// rules that improve hit ratio for semantically-equivalent but
// syntactically-different values (helpers.rs normalize_header_value).
func normalizeHeaderValue(name, value string) string {
	switch {
	case strings.EqualFold(name, "accept-language"):
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			lang := p
			if idx := strings.IndexByte(p, ';'); idx >= 0 {
				lang = p[:idx]
			}
			out = append(out, strings.ToLower(strings.TrimSpace(lang)))
		}
		return strings.Join(out, ",")
	case strings.EqualFold(name, "accept-encoding"):
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			enc := p
			if idx := strings.IndexByte(p, ';'); idx >= 0 {
				enc = p[:idx]
			}
			out = append(out, strings.TrimSpace(enc))
		}
		sort.Strings(out)
		return strings.Join(out, ",")
	default:
		return value
	}
}

// VariantHash computes the variant key for a request against a stored
// entry's vary-on header list: sort the relevant request headers by name,
// normalize each value, and hash the result (helpers.rs
// calculate_variant_hash). An empty vary-on list always hashes to 0, since
// there is exactly one variant possible.
func VariantHash(varyOn []string, headers []Header) uint64 {
	if len(varyOn) == 0 {
		return 0
	}
	sorted := make([]Header, len(headers))
	copy(sorted, headers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := fnv.New64a()
	for _, hdr := range sorted {
		if !headerIn(varyOn, hdr.Name) {
			continue
		}
		normalized := normalizeHeaderValue(hdr.Name, hdr.Value)
		_, _ = h.Write([]byte(hdr.Name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(normalized))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func headerIn(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// DefaultMaxVariantsPerKey is the spec's "(default 64)" variant cap.
const DefaultMaxVariantsPerKey = 64

// EnforceVariantCap evicts the least-recently-accessed variant(s) until the
// entry holds at most maxVariants, skipping the variant keyed by keep (the
// one just written, so a write never evicts itself).
func EnforceVariantCap(entry *storage.HTTPCacheValue, maxVariants int, keep uint64) {
	if maxVariants <= 0 {
		maxVariants = DefaultMaxVariantsPerKey
	}
	for len(entry.Variants) > maxVariants {
		var oldestHash uint64
		var oldestAt time.Time
		found := false
		for hash, v := range entry.Variants {
			if hash == keep {
				continue
			}
			if !found || v.LastAccessed.Before(oldestAt) {
				oldestHash, oldestAt, found = hash, v.LastAccessed, true
			}
		}
		if !found {
			return
		}
		delete(entry.Variants, oldestHash)
	}
}
