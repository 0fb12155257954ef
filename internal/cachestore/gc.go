package cachestore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/metrics"
)

// GCInterval is the on-disk cache GC's periodic cycle (cache_gc.rs's
// ON_DISK_CACHE_GC_INTERVAL).
const GCInterval = time.Hour

// GCGracePeriod is how long an orphaned/dangling file survives before GC
// removes it, to avoid a race with a write that hasn't reached the
// manifest yet (cache_gc.rs's GC_GRACE_PERIOD).
const GCGracePeriod = 5 * time.Minute

// GC periodically scans Store.Root and removes files the manifest no
// longer considers live, plus any ".tmp" leftovers from a crashed write
// (spec §4.6 "GC removes dangling files older than a grace window").
type GC struct {
	Store *Store
	Now   func() time.Time
}

// NewGC constructs a GC bound to store.
func NewGC(store *Store) *GC {
	return &GC{Store: store, Now: time.Now}
}

// Run ticks every GCInterval until shutdown fires, running one sweep at
// startup first (matching the original's "garbage_collect_on_disk_cache"
// startup call plus its periodic task).
func (g *GC) Run(shutdown <-chan struct{}) {
	logger := log.WithComponent("cache-gc")
	if err := g.Sweep(); err != nil {
		logger.Warn().Err(err).Msg("startup on-disk cache GC failed")
	}

	ticker := time.NewTicker(GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			if err := g.Sweep(); err != nil {
				logger.Warn().Err(err).Msg("on-disk cache GC cycle failed")
			}
		}
	}
}

// Sweep performs one GC pass: read the manifest for the live-file set,
// then remove every file under Root that is not live and is older than
// GCGracePeriod, including stray ".tmp" files from an interrupted write.
func (g *GC) Sweep() error {
	manifestPath := filepath.Join(g.Store.Root, "spineldb-cache.manifest")
	entries, err := ReadAll(manifestPath)
	if err != nil {
		return err
	}
	live := LiveFiles(entries)

	dirEntries, err := os.ReadDir(g.Store.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	now := g.Now()
	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(g.Store.Root, de.Name())
		isTmp := strings.HasSuffix(de.Name(), ".tmp")
		if _, isLive := live[path]; isLive && !isTmp {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < GCGracePeriod {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}

	metrics.CacheGCRunsTotal.Inc()
	if removed > 0 {
		metrics.CacheGCFilesTotal.Add(float64(removed))
	}
	return nil
}
