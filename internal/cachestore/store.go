package cachestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spineldb/spineldb/internal/metrics"
)

// Store is the on-disk body store consumed by internal/httpcache.Engine
// through the BodyStore interface. Files are UUID-named under Root (spec
// §6 "entries named with random 128-bit identifiers"); a write goes to a
// ".tmp" sibling, is fsynced, then renamed into place, with the manifest
// logged Pending before the write and Committed after the rename+fsync
// (spec §4.6).
type Store struct {
	Root                    string
	StreamingThresholdBytes int64
	Manifest                *ManifestWriter
}

// NewStore creates root if needed and opens its manifest.
func NewStore(root string, thresholdBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	manifest, err := OpenManifest(filepath.Join(root, "spineldb-cache.manifest"))
	if err != nil {
		return nil, err
	}
	return &Store{Root: root, StreamingThresholdBytes: thresholdBytes, Manifest: manifest}, nil
}

// Close releases the manifest writer.
func (s *Store) Close() error {
	return s.Manifest.Close()
}

// ShouldStream implements httpcache.BodyStore: a body streams to disk
// once its advertised Content-Length reaches the configured threshold.
// An unknown length (0, chunked transfer) is treated conservatively as
// "stream it" once a threshold is configured, since its final size is
// unknowable in advance.
func (s *Store) ShouldStream(contentLength int64) bool {
	if s.StreamingThresholdBytes <= 0 {
		return false
	}
	return contentLength == 0 || contentLength >= s.StreamingThresholdBytes
}

// Stream writes r to a new UUID-named file under Root, following the
// temp-write -> fsync -> rename -> manifest-commit sequence, recording an
// empty cache key in the manifest (see StreamForKey). A write that fails after the Pending record leaves a
// dangling Pending entry for the GC task to reap past its grace window.
func (s *Store) Stream(r io.Reader) (path string, size int64, err error) {
	return s.StreamForKey("", r)
}

// StreamForKey is Stream with an explicit cache key to record in the
// manifest; Stream itself passes through an empty key for callers that
// don't yet have one (the BodyStore interface contract doesn't carry a
// key, so internal/httpcache.Engine should prefer StreamForKey directly
// where a key is available).
func (s *Store) StreamForKey(key string, r io.Reader) (path string, size int64, err error) {
	id := uuid.New().String()
	finalPath := filepath.Join(s.Root, id)
	tempPath := finalPath + ".tmp"

	if err := s.Manifest.Append(StatePending, finalPath, key); err != nil {
		return "", 0, err
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, err
	}
	n, copyErr := io.Copy(f, r)
	if copyErr != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return "", 0, copyErr
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", 0, err
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", 0, err
	}

	if err := s.Manifest.Append(StateCommitted, finalPath, key); err != nil {
		return "", 0, err
	}
	metrics.CacheDiskBytes.Add(float64(n))
	return finalPath, n, nil
}

// Open returns a reader over a previously-committed variant body, for the
// HTTP cache engine's response path to stream a disk-backed variant back
// to a client.
func (s *Store) Open(path string) (*os.File, error) {
	if filepath.Dir(path) != s.Root {
		return nil, fmt.Errorf("cachestore: refusing to open path outside root: %s", path)
	}
	return os.Open(path)
}
