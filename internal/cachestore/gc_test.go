package cachestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGCRemovesOrphanedFileOnlyPastGracePeriod(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	orphanPath := filepath.Join(dir, "orphan")
	require.NoError(t, os.WriteFile(orphanPath, []byte("x"), 0644))

	gc := NewGC(s)
	gc.Now = func() time.Time { return time.Now() }
	require.NoError(t, gc.Sweep())
	_, err = os.Stat(orphanPath)
	require.NoError(t, err, "a fresh orphaned file must survive within the grace period")

	gc.Now = func() time.Time { return time.Now().Add(GCGracePeriod + time.Minute) }
	require.NoError(t, gc.Sweep())
	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err), "an orphaned file past the grace period must be removed")
}

func TestGCKeepsCommittedLiveFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	path, _, err := s.StreamForKey("k", strings.NewReader("payload"))
	require.NoError(t, err)

	gc := NewGC(s)
	gc.Now = func() time.Time { return time.Now().Add(GCGracePeriod + time.Minute) }
	require.NoError(t, gc.Sweep())

	_, err = os.Stat(path)
	require.NoError(t, err, "a committed, still-live file must not be collected")
}

func TestGCRemovesStaleTmpFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	require.NoError(t, err)
	defer s.Close()

	tmpPath := filepath.Join(dir, "abandoned.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("x"), 0644))

	gc := NewGC(s)
	gc.Now = func() time.Time { return time.Now().Add(GCGracePeriod + time.Minute) }
	require.NoError(t, gc.Sweep())

	_, err = os.Stat(tmpPath)
	require.True(t, os.IsNotExist(err))
}
