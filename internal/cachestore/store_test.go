package cachestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreStreamWritesCommittedFileAndManifestRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	path, size, err := s.StreamForKey("k1", strings.NewReader("hello world"))
	require.NoError(t, err)
	require.EqualValues(t, 11, size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	entries, err := ReadAll(filepath.Join(dir, "spineldb-cache.manifest"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, StatePending, entries[0].State)
	require.Equal(t, StateCommitted, entries[1].State)
	require.Equal(t, "k1", entries[1].Key)
}

func TestStoreShouldStreamRespectsThreshold(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 100)
	require.NoError(t, err)
	defer s.Close()

	require.False(t, s.ShouldStream(10))
	require.True(t, s.ShouldStream(1000))
	require.True(t, s.ShouldStream(0), "unknown length streams conservatively once a threshold is set")
}

func TestStoreShouldStreamDisabledWhenThresholdZero(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	require.False(t, s.ShouldStream(0))
	require.False(t, s.ShouldStream(1<<30))
}

func TestStoreOpenRefusesPathOutsideRoot(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Open("/etc/passwd")
	require.Error(t, err)
}

func TestLiveFilesDropsPendingDeleteEntries(t *testing.T) {
	entries := []ManifestEntry{
		{Path: "/a", State: StatePending},
		{Path: "/a", State: StateCommitted},
		{Path: "/b", State: StateCommitted},
		{Path: "/a", State: StatePendingDelete},
	}
	live := LiveFiles(entries)
	_, hasA := live["/a"]
	require.False(t, hasA)
	_, hasB := live["/b"]
	require.True(t, hasB)
}
