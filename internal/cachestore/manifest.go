// Package cachestore implements spec §4.6: the on-disk body store backing
// the HTTP cache engine's large variants. A UUID-named file per variant,
// an append-only manifest log driving a Pending->Committed->PendingDelete
// lifecycle, a size-quota task, and a grace-windowed GC sweep.
//
// Grounded on original_source/src/core/tasks/{cache_gc,
// on_disk_cache_eviction}.rs and src/core/storage/cache_types.rs's
// ManifestEntry/ManifestState, and on the same temp-write+fsync+rename +
// gofrs/flock idiom internal/aof's Writer already uses for its own
// atomic-rewrite path.
package cachestore

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ManifestState is the lifecycle stage of one on-disk cache file (spec
// §4.6 "logged Pending before write and Committed after rename+fsync").
type ManifestState string

const (
	StatePending       ManifestState = "Pending"
	StateCommitted     ManifestState = "Committed"
	StatePendingDelete ManifestState = "PendingDelete"
)

// ManifestEntry is one line of the append-only manifest (spec §6's
// "{timestamp,state,path,key}").
type ManifestEntry struct {
	Timestamp int64         `json:"timestamp"`
	State     ManifestState `json:"state"`
	Path      string        `json:"path"`
	Key       string        `json:"key"`
}

// ManifestWriter appends JSON-line records to the manifest file, holding
// a gofrs/flock advisory lock on it for as long as it is open. Readers
// (ReadAll, used by the GC and eviction tasks) do not take that lock.
type ManifestWriter struct {
	Path string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	lock *flock.Flock
}

// OpenManifest opens (creating if needed) the manifest for appending.
func OpenManifest(path string) (*ManifestWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	fl := flock.New(path + ".lock")
	if _, err := fl.TryLock(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &ManifestWriter{Path: path, file: f, buf: bufio.NewWriter(f), lock: fl}, nil
}

// Append writes one manifest record and flushes it, matching "the
// manifest itself is append-only".
func (m *ManifestWriter) Append(state ManifestState, path, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := ManifestEntry{Timestamp: time.Now().UnixNano(), State: state, Path: path, Key: key}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := m.buf.Write(line); err != nil {
		return err
	}
	if _, err := m.buf.WriteString("\n"); err != nil {
		return err
	}
	return m.buf.Flush()
}

// Close flushes, fsyncs, and releases the manifest file and advisory
// lock.
func (m *ManifestWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.buf.Flush()
	_ = m.file.Sync()
	_ = m.lock.Unlock()
	return m.file.Close()
}

// ReadAll replays every record in the manifest in file order, for the GC
// and eviction tasks to fold into live/committed state.
func ReadAll(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry ManifestEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// LiveFiles folds a manifest's records into the set of paths that are
// currently live: committed, and not superseded by a later PendingDelete
// for the same path (spec §4.6 "A file is considered live only when a
// Committed record exists and no later PendingDelete exists for that
// path").
func LiveFiles(entries []ManifestEntry) map[string]ManifestEntry {
	live := make(map[string]ManifestEntry)
	for _, e := range entries {
		switch e.State {
		case StateCommitted:
			live[e.Path] = e
		case StatePendingDelete:
			delete(live, e.Path)
		}
	}
	return live
}
