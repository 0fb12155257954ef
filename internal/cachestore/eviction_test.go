package cachestore

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvictionLogsPendingDeleteForOldestWhenOverQuota(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.StreamForKey("oldest", strings.NewReader(strings.Repeat("a", 50)))
	require.NoError(t, err)
	_, _, err = s.StreamForKey("newest", strings.NewReader(strings.Repeat("b", 50)))
	require.NoError(t, err)

	ev := NewEviction(s, 60)
	require.NoError(t, ev.Cycle())

	entries, err := ReadAll(filepath.Join(dir, "spineldb-cache.manifest"))
	require.NoError(t, err)

	var pendingDeletes int
	var deletedKey string
	for _, e := range entries {
		if e.State == StatePendingDelete {
			pendingDeletes++
			deletedKey = e.Key
		}
	}
	require.Equal(t, 1, pendingDeletes)
	require.Equal(t, "oldest", deletedKey)
}

func TestEvictionNoOpUnderQuota(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.StreamForKey("k", strings.NewReader("small"))
	require.NoError(t, err)

	ev := NewEviction(s, 1<<20)
	require.NoError(t, ev.Cycle())

	entries, err := ReadAll(filepath.Join(dir, "spineldb-cache.manifest"))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, StatePendingDelete, e.State)
	}
}

func TestEvictionDisabledWhenMaxDiskSizeZero(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	ev := NewEviction(s, 0)
	done := make(chan struct{})
	go func() {
		ev.Run(make(chan struct{}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return immediately when MaxDiskSize is 0")
	}
}
