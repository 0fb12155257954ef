package httpcache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/spineldb/spineldb/internal/spinelerr"
	"github.com/spineldb/spineldb/internal/storage"
)

// compressMinSize is the smallest in-memory body worth snappy-compressing;
// below this the frame overhead isn't worth paying (spec §4.5 "optionally
// snappy-compressed in memory").
const compressMinSize = 256

// Fetcher is the external collaborator spec §6 calls "the HTTP client used
// to fetch origins" — out of scope for this package's own implementation,
// but net/http is the obvious stdlib answer for the default, since no
// corpus repo wraps a third-party HTTP client for plain GET requests.
type Fetcher interface {
	Fetch(url string, headers []Header) (*http.Response, error)
}

// DefaultFetcher issues a plain GET via http.DefaultClient.
type DefaultFetcher struct {
	Client *http.Client
}

// NewDefaultFetcher constructs a DefaultFetcher using http.DefaultClient.
func NewDefaultFetcher() *DefaultFetcher {
	return &DefaultFetcher{Client: http.DefaultClient}
}

func (f *DefaultFetcher) Fetch(url string, headers []Header) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}
	return f.Client.Do(req)
}

// BodyStore is the on-disk cache store collaborator (internal/cachestore):
// decides whether a body is large enough to stream to disk, and performs
// the temp-write-fsync-rename-then-manifest-commit sequence (spec §4.6).
type BodyStore interface {
	ShouldStream(contentLength int64) bool
	// Stream writes r to a new file under Pending state and, on success,
	// marks it Committed, returning the final path and byte count.
	Stream(r io.Reader) (path string, size int64, err error)
}

// OriginResult is what fetching a URL produced, ready for the caller to
// assemble into a storage.Variant under its own shard lock (this package
// never touches storage locking directly).
type OriginResult struct {
	StatusCode int
	// ClientBody is the raw bytes to return to the caller right now,
	// regardless of where Body ends up stored.
	ClientBody []byte
	// Body is the form persisted into the cache entry: for on-disk
	// variants this carries only the path/size, not a duplicate in-memory
	// copy, so the shard's memory accounting reflects disk-backed bodies
	// correctly (spec §4.1 "approximate memory size").
	Body     storage.VariantBody
	Metadata storage.HTTPMetadata
	// Bypass is true when the response must not be cached at all: the
	// request carried an Authorization header, or the origin replied
	// `Vary: *` (spec §4.5 "Vary rules": "served but not stored").
	Bypass bool
	// Negative is true when the origin returned a non-2xx status and the
	// caller should store a negative-cache sentinel entry instead of the
	// raw body (spec §4.5's negative cache).
	Negative bool
}

func headerHasAuthorization(headers []Header) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "authorization") {
			return true
		}
	}
	return false
}

// FetchFromOrigin performs the single-flight-protected origin fetch
// described by CACHE.FETCH (spec §4.5 "Fetch"). key is the cache key used
// as the single-flight/try-lock token so concurrent misses for the same
// key converge on one origin request. A request carrying an Authorization
// header bypasses both single-flight and storage, per "refuse to cache if
// the request carried an authorization header" — each such caller performs
// its own direct fetch.
func (e *Engine) FetchFromOrigin(key, rawURL string, headers []Header) (*OriginResult, error) {
	if err := ValidateFetchURL(rawURL, e.Security.AllowedFetchDomains, e.Security.AllowPrivateFetchIPs); err != nil {
		return nil, spinelerr.Wrap(spinelerr.HTTPClientError, err)
	}

	if headerHasAuthorization(headers) {
		return e.doFetch(rawURL, headers, true)
	}

	v, err, _ := e.fetchGroup.Do(key, func() (any, error) {
		return e.doFetch(rawURL, headers, false)
	})
	if v == nil {
		return nil, err
	}
	return v.(*OriginResult), err
}

func (e *Engine) doFetch(rawURL string, headers []Header, forceBypass bool) (*OriginResult, error) {
	e.Stats.incMiss()

	resp, err := e.Fetcher.Fetch(rawURL, headers)
	if err != nil {
		return nil, spinelerr.New(spinelerr.HTTPClientError, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &OriginResult{
			StatusCode: resp.StatusCode,
			Negative:   e.Config.NegativeCacheTTLSeconds > 0,
		}, spinelerr.New(spinelerr.Internal, "origin server responded with status %d", resp.StatusCode)
	}

	bypass := forceBypass
	if vary := resp.Header.Get("Vary"); vary != "" {
		for _, part := range strings.Split(vary, ",") {
			if strings.TrimSpace(part) == "*" {
				bypass = true
				break
			}
		}
	}

	metadata := storage.HTTPMetadata{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	contentLength := int64(0)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		contentLength, _ = strconv.ParseInt(cl, 10, 64)
	}

	clientBody, storedBody, err := e.readBody(resp.Body, contentLength, bypass)
	if err != nil {
		return nil, spinelerr.New(spinelerr.IOError, "%v", err)
	}

	return &OriginResult{
		StatusCode: resp.StatusCode,
		ClientBody: clientBody,
		Body:       storedBody,
		Metadata:   metadata,
		Bypass:     bypass,
	}, nil
}

// readBody buffers the response in memory, or tees it to the on-disk
// BodyStore (when configured and over the streaming threshold) while still
// buffering a copy for the immediate client response, matching
// cache_fetch.rs's "stream to temp_file ... then tokio::fs::read(...) for
// the client". The persisted VariantBody for an on-disk result carries only
// the path/size, never a duplicate in-memory copy.
func (e *Engine) readBody(r io.Reader, contentLength int64, bypass bool) (clientBody []byte, stored storage.VariantBody, err error) {
	if !bypass && e.Store != nil && e.Store.ShouldStream(contentLength) {
		var buf bytes.Buffer
		tee := io.TeeReader(r, &buf)
		path, size, serr := e.Store.Stream(tee)
		if serr != nil {
			return nil, storage.VariantBody{}, serr
		}
		return buf.Bytes(), storage.VariantBody{OnDiskPath: path, OnDiskSize: size}, nil
	}
	data, rerr := io.ReadAll(r)
	if rerr != nil {
		return nil, storage.VariantBody{}, rerr
	}
	if len(data) >= compressMinSize {
		compressed := snappy.Encode(nil, data)
		if len(compressed) < len(data) {
			return data, storage.VariantBody{Compressed: compressed, OriginalSize: len(data)}, nil
		}
	}
	return data, storage.VariantBody{InMemory: data}, nil
}
