package httpcache

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/spineldb/spineldb/internal/config"
	"github.com/stretchr/testify/require"
)

type stubBodyStore struct {
	threshold int64
	streamed  int32
}

func (s *stubBodyStore) ShouldStream(contentLength int64) bool {
	return contentLength >= s.threshold
}

func (s *stubBodyStore) Stream(r io.Reader) (string, int64, error) {
	atomic.AddInt32(&s.streamed, 1)
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	return "/cache/blob-1", int64(len(data)), nil
}

func newTestEngine(t *testing.T, srv *httptest.Server, store BodyStore) *Engine {
	t.Helper()
	return NewEngine(
		config.CacheConfig{NegativeCacheTTLSeconds: 10, MaxVariantsPerKey: 64},
		config.SecurityConfig{AllowPrivateFetchIPs: true},
		NewDefaultFetcher(),
		store,
	)
}

func TestFetchFromOriginBuffersSmallBodyInMemory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, &stubBodyStore{threshold: 1 << 20})
	result, err := e.FetchFromOrigin("k1", srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "hello", string(result.ClientBody))
	require.Equal(t, "hello", string(result.Body.InMemory))
	require.False(t, result.Body.IsOnDisk())
	require.Equal(t, `"abc"`, result.Metadata.ETag)
}

func TestFetchFromOriginStreamsLargeBodyToDiskWithoutDuplicatingMemory(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	store := &stubBodyStore{threshold: 10}
	e := newTestEngine(t, srv, store)
	result, err := e.FetchFromOrigin("k2", srv.URL, nil)
	require.NoError(t, err)
	require.True(t, result.Body.IsOnDisk())
	require.Equal(t, "/cache/blob-1", result.Body.OnDiskPath)
	require.Empty(t, result.Body.InMemory, "on-disk variants must not carry a duplicate in-memory copy")
	require.Equal(t, payload, result.ClientBody)
	require.EqualValues(t, 1, atomic.LoadInt32(&store.streamed))
}

func TestFetchFromOriginMarksNegativeOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, nil)
	result, err := e.FetchFromOrigin("k3", srv.URL, nil)
	require.Error(t, err)
	require.NotNil(t, result)
	require.True(t, result.Negative)
	require.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
}

func TestFetchFromOriginBypassesStorageOnVaryStar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "*")
		_, _ = w.Write([]byte("no-cache-me"))
	}))
	defer srv.Close()

	store := &stubBodyStore{threshold: 1}
	e := newTestEngine(t, srv, store)
	result, err := e.FetchFromOrigin("k4", srv.URL, nil)
	require.NoError(t, err)
	require.True(t, result.Bypass)
	require.EqualValues(t, 0, atomic.LoadInt32(&store.streamed), "Vary:* responses must not be persisted to the body store")
}

func TestFetchFromOriginBypassesStorageForAuthorizedRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("y"), 50))
	}))
	defer srv.Close()

	store := &stubBodyStore{threshold: 1}
	e := newTestEngine(t, srv, store)
	result, err := e.FetchFromOrigin("k5", srv.URL, []Header{{Name: "Authorization", Value: "Bearer xyz"}})
	require.NoError(t, err)
	require.True(t, result.Bypass)
	require.EqualValues(t, 0, atomic.LoadInt32(&store.streamed))
}

func TestFetchFromOriginRejectsDisallowedURL(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	e.Security.AllowedFetchDomains = []string{"*.allowed.example"}
	_, err := e.FetchFromOrigin("k6", "https://not-allowed.example/x", nil)
	require.Error(t, err)
}
