package eviction

import (
	"context"
	"time"

	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/metrics"
	"github.com/spineldb/spineldb/internal/storage"
)

const (
	ttlCheckInterval         = 100 * time.Millisecond
	ttlSampleSize            = 20
	ttlExpiredThresholdPct   = 25
)

// TTLSweeper is the active, sampling-based expiration manager of spec §4.1
// ("schedule lazy deletion") driven proactively rather than only on
// access, grounded on original_source/src/core/storage/ttl.rs.
type TTLSweeper struct {
	Databases []*storage.Database
}

// Run blocks until ctx is cancelled, sweeping every database on a fixed
// tick using Redis's active-expiration sampling algorithm: sample, delete,
// and if a high fraction of the sample was expired, immediately resample.
func (s *TTLSweeper) Run(ctx context.Context) {
	logger := log.WithComponent("ttl-sweeper")
	logger.Info().Msg("active TTL expiration manager started")
	ticker := time.NewTicker(ttlCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *TTLSweeper) sweepOnce() {
	now := time.Now()
	for _, db := range s.Databases {
		for {
			sample := db.ExpiredSampleKeys(ttlSampleSize, now)
			if len(sample) == 0 {
				break
			}
			n := db.Delete(sample)
			if n > 0 {
				metrics.ExpiredKeysTotal.Add(float64(n))
			}
			if len(sample) < ttlSampleSize {
				break
			}
			pct := n * 100 / ttlSampleSize
			if pct < ttlExpiredThresholdPct {
				break
			}
		}
	}
}
