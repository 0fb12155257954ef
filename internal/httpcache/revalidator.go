package httpcache

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spineldb/spineldb/internal/log"
)

// PrewarmCandidate is one key sampled by the revalidator, carrying enough
// of its variant state to decide whether it needs a proactive
// revalidation (spec §4.5 "Revalidator task").
type PrewarmCandidate struct {
	DBIndex       int
	Key           string
	VariantHash   uint64
	RevalidateURL string
	ExpiresAt     time.Time
	LastAccessed  time.Time
}

// RevalidatorConfig tunes the background sampling task.
type RevalidatorConfig struct {
	Interval      time.Duration
	SampleSize    int
	PrewarmWindow time.Duration // how far before expiry a key becomes eligible
	HotWindow     time.Duration // how recently a key must have been accessed
	Workers       int
}

// DefaultRevalidatorConfig mirrors typical prewarm tuning: check every 30s,
// sample 50 keys, act on anything expiring within 10s that was touched in
// the last 5 minutes.
func DefaultRevalidatorConfig() RevalidatorConfig {
	return RevalidatorConfig{
		Interval:      30 * time.Second,
		SampleSize:    50,
		PrewarmWindow: 10 * time.Second,
		HotWindow:     5 * time.Minute,
		Workers:       4,
	}
}

// Sampler supplies the revalidator with prewarm candidates; the caller
// (owning shard locks) implements this against the live keyspace and the
// Engine's PolicyStore.PrewarmKeys().
type Sampler interface {
	Sample(n int) []PrewarmCandidate
}

// RevalidateFunc is called for each job a worker picks up; the caller wires
// this to Engine.FetchFromOrigin plus the storage write it requires.
type RevalidateFunc func(job PrewarmCandidate)

// Revalidator periodically samples prewarm-eligible keys and dispatches
// revalidation jobs to a fixed worker pool (spec §4.5 "A worker pool
// consumes jobs.").
type Revalidator struct {
	Config     RevalidatorConfig
	Sampler    Sampler
	Revalidate RevalidateFunc
	Now        func() time.Time

	jobs chan PrewarmCandidate
}

// NewRevalidator constructs a Revalidator ready for Run.
func NewRevalidator(cfg RevalidatorConfig, sampler Sampler, fn RevalidateFunc) *Revalidator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Revalidator{
		Config:     cfg,
		Sampler:    sampler,
		Revalidate: fn,
		Now:        time.Now,
		jobs:       make(chan PrewarmCandidate, cfg.SampleSize),
	}
}

// Run drives the sample tick and worker pool until shutdown fires.
func (r *Revalidator) Run(shutdown <-chan struct{}) {
	logger := log.WithComponent("cache-revalidator")
	for i := 0; i < r.Config.Workers; i++ {
		go r.worker()
	}

	ticker := time.NewTicker(r.Config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			close(r.jobs)
			return
		case <-ticker.C:
			r.sampleAndEnqueue(logger)
		}
	}
}

func (r *Revalidator) sampleAndEnqueue(logger zerolog.Logger) {
	now := r.Now()
	candidates := r.Sampler.Sample(r.Config.SampleSize)
	enqueued := 0
	for _, candidate := range candidates {
		if candidate.ExpiresAt.IsZero() || candidate.ExpiresAt.Sub(now) > r.Config.PrewarmWindow {
			continue
		}
		if now.Sub(candidate.LastAccessed) > r.Config.HotWindow {
			continue
		}
		select {
		case r.jobs <- candidate:
			enqueued++
		default:
			// Job queue saturated; this candidate is retried next tick.
		}
	}
	if enqueued > 0 {
		logger.Debug().Int("sampled", len(candidates)).Int("enqueued", enqueued).Msg("prewarm sweep")
	}
}

func (r *Revalidator) worker() {
	for job := range r.jobs {
		r.Revalidate(job)
	}
}
