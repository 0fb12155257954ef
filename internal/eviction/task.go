package eviction

import (
	"context"
	"time"

	"github.com/spineldb/spineldb/internal/config"
	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/storage"
)

const (
	tickInterval            = 100 * time.Millisecond
	maxPassBudget           = time.Millisecond // spec §4.2 "time-boxed (≤1 ms per pass)"
	maxUnproductiveAttempts = 600
	backoffThreshold        = 5
)

// Task is the background proactive eviction manager (spec §4.2), driven by
// a 100ms tick. It samples total memory across every database and, while
// over the ceiling, runs time-boxed eviction passes with exponential
// backoff when a pass frees nothing. Grounded on
// original_source/src/core/tasks/eviction.rs.
type Task struct {
	Databases  []*storage.Database
	Store      *config.Store
	Engine     *Engine
	MaxMemory  uint64 // resolved bytes; 0 disables the task
}

// Run blocks until ctx is cancelled, driving the proactive eviction loop.
func (t *Task) Run(ctx context.Context) {
	logger := log.WithComponent("eviction")
	if t.MaxMemory == 0 {
		logger.Info().Msg("eviction manager will not run (maxmemory is 0 or unset)")
		return
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var unproductive uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := t.Store.Get()
			if cfg.MaxMemoryPolicy == config.NoEviction {
				continue
			}
			total := uint64(0)
			for _, db := range t.Databases {
				total += uint64(db.MemoryUsed())
			}
			if total <= t.MaxMemory {
				if unproductive > 0 {
					logger.Info().Msg("memory usage back below ceiling, resuming normal eviction checks")
					unproductive = 0
				}
				continue
			}

			if unproductive >= maxUnproductiveAttempts {
				continue
			}
			if unproductive > backoffThreshold {
				backoff := time.Duration(uint64(1)<<min64(unproductive-backoffThreshold, 5)) * 100 * time.Millisecond
				time.Sleep(backoff)
			}

			freed := t.runCycle(cfg.MaxMemoryPolicy, total)
			if freed == 0 {
				unproductive++
			} else {
				unproductive = 0
			}
		}
	}
}

// runCycle evicts keys for up to maxPassBudget, spreading attempts evenly
// across databases, and returns the number of keys freed.
func (t *Task) runCycle(policy config.EvictionPolicy, totalMemory uint64) int {
	deadline := time.Now().Add(maxPassBudget)
	freed := 0
	for time.Now().Before(deadline) && totalMemory > t.MaxMemory {
		anyEvicted := false
		for _, db := range t.Databases {
			if db.MemoryUsed() == 0 {
				continue
			}
			if _, ok := t.Engine.EvictOne(db, policy); ok {
				freed++
				anyEvicted = true
			}
			totalMemory = 0
			for _, d := range t.Databases {
				totalMemory += uint64(d.MemoryUsed())
			}
			if totalMemory <= t.MaxMemory {
				break
			}
		}
		if !anyEvicted {
			break
		}
	}
	return freed
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
