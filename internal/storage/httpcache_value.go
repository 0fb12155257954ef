// Grounded on original_source/src/core/storage/cache_types.rs: CacheBody,
// HttpMetadata, CacheVariant, VariantMap. Kept as the StoredValue.Cache
// payload rather than a separate top-level type, matching how the original
// stores HttpCache as one more StorageValue variant.
package storage

import (
	"errors"
	"time"

	"github.com/golang/snappy"
)

// ErrBodyOnDisk is returned by VariantBody.Bytes when the body is stored
// on disk rather than in memory; the caller must read it via the
// cachestore instead.
var ErrBodyOnDisk = errors.New("storage: variant body is stored on disk")

// VariantBody is the location of one variant's body: in memory (optionally
// snappy-compressed), or streamed out to an on-disk file.
type VariantBody struct {
	// InMemory holds the raw bytes when not compressed and not on disk.
	InMemory []byte

	// Compressed holds snappy-compressed bytes; OriginalSize is the
	// pre-compression length, used for Content-Length reconstruction.
	Compressed   []byte
	OriginalSize int

	// OnDisk references a file in the cachestore; Path is relative to the
	// store's configured root.
	OnDiskPath string
	OnDiskSize int64
}

// Len returns the logical (uncompressed) body length regardless of where
// the bytes currently live.
func (b VariantBody) Len() int {
	switch {
	case b.OnDiskPath != "":
		return int(b.OnDiskSize)
	case b.Compressed != nil:
		return b.OriginalSize
	default:
		return len(b.InMemory)
	}
}

// IsOnDisk reports whether the body is stored as a file reference.
func (b VariantBody) IsOnDisk() bool { return b.OnDiskPath != "" }

// Bytes returns the body's raw bytes, transparently decoding a
// snappy-compressed in-memory body. Callers holding an on-disk body get
// ErrBodyOnDisk since reading the backing file needs the cachestore root.
func (b VariantBody) Bytes() ([]byte, error) {
	if b.OnDiskPath != "" {
		return nil, ErrBodyOnDisk
	}
	if b.Compressed != nil {
		return snappy.Decode(nil, b.Compressed)
	}
	return b.InMemory, nil
}

// HTTPMetadata carries the response headers needed to serve conditional
// requests and proactive revalidation.
type HTTPMetadata struct {
	ETag            string
	LastModified    string
	RevalidateURL   string
	ContentEncoding string
}

// MemoryUsage approximates the metadata's footprint for Shard accounting.
func (m HTTPMetadata) MemoryUsage() int {
	return len(m.ETag) + len(m.LastModified) + len(m.RevalidateURL) + len(m.ContentEncoding)
}

// Variant is one negotiated version of a cached HTTP response, keyed by a
// hash of the Vary-relevant request headers.
type Variant struct {
	Body         VariantBody
	Metadata     HTTPMetadata
	LastAccessed time.Time
}

// HTTPCacheValue is the StoredValue payload for KindHTTPCache (spec §3).
type HTTPCacheValue struct {
	Variants map[uint64]*Variant

	// VaryOn is the ordered list of request header names this key's
	// response declared via `Vary`. Changing this list clears Variants
	// (spec §4.5 "Vary rules").
	VaryOn []string

	// TagsEpoch is the cluster-wide purge epoch recorded at the moment of
	// last write; a reader compares it against the live per-tag epoch map.
	TagsEpoch uint64

	// Tags is the set of cache tags associated with this key, used both
	// for the reverse tag index and for epoch-staleness checks.
	Tags []string
}

// NewHTTPCacheValue constructs an empty cache entry.
func NewHTTPCacheValue() *HTTPCacheValue {
	return &HTTPCacheValue{Variants: make(map[uint64]*Variant)}
}

// SetVaryOn replaces the vary-on list, clearing all variants if it changed.
func (h *HTTPCacheValue) SetVaryOn(vary []string) {
	if sameStrings(h.VaryOn, vary) {
		return
	}
	h.VaryOn = vary
	h.Variants = make(map[uint64]*Variant)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
