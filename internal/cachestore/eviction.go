package cachestore

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spineldb/spineldb/internal/log"
)

// EvictionInterval is how often the size-quota task checks total
// committed bytes against MaxDiskSize (on_disk_cache_eviction.rs's
// EVICTION_INTERVAL).
const EvictionInterval = 10 * time.Second

// Eviction tails the manifest, sums committed file sizes, and logs
// PendingDelete for the least-recently-written committed entries once
// the total exceeds MaxDiskSize. It never removes files itself — that's
// GC's job once the file is no longer live and its modification time is
// older than the grace window (spec §4.6 "on overflow logs PendingDelete for the oldest committed
// entries; the GC then removes them").
type Eviction struct {
	Store       *Store
	MaxDiskSize uint64
}

// NewEviction constructs an Eviction task. maxDiskSize == 0 disables it,
// matching the original's "max_disk_size = 0 ... Task will not run".
func NewEviction(store *Store, maxDiskSize uint64) *Eviction {
	return &Eviction{Store: store, MaxDiskSize: maxDiskSize}
}

// Run ticks every EvictionInterval until shutdown fires.
func (e *Eviction) Run(shutdown <-chan struct{}) {
	if e.MaxDiskSize == 0 {
		return
	}
	logger := log.WithComponent("cache-eviction")
	ticker := time.NewTicker(EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			if err := e.Cycle(); err != nil {
				logger.Warn().Err(err).Msg("on-disk cache eviction cycle failed")
			}
		}
	}
}

// Cycle performs one quota check, logging PendingDelete entries until
// projected usage is back under MaxDiskSize.
func (e *Eviction) Cycle() error {
	manifestPath := filepath.Join(e.Store.Root, "spineldb-cache.manifest")
	entries, err := ReadAll(manifestPath)
	if err != nil {
		return err
	}
	live := LiveFiles(entries)

	type sized struct {
		entry ManifestEntry
		size  int64
	}
	var committed []sized
	var total int64
	for _, entry := range live {
		info, err := os.Stat(entry.Path)
		if err != nil {
			continue
		}
		committed = append(committed, sized{entry: entry, size: info.Size()})
		total += info.Size()
	}

	if total <= int64(e.MaxDiskSize) {
		return nil
	}

	sort.Slice(committed, func(i, j int) bool {
		return committed[i].entry.Timestamp < committed[j].entry.Timestamp
	})

	sizeToFree := total - int64(e.MaxDiskSize)
	for _, c := range committed {
		if sizeToFree <= 0 {
			break
		}
		if err := e.Store.Manifest.Append(StatePendingDelete, c.entry.Path, c.entry.Key); err != nil {
			return err
		}
		sizeToFree -= c.size
	}
	return nil
}
