package httpcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedSampler struct {
	candidates []PrewarmCandidate
}

func (f fixedSampler) Sample(n int) []PrewarmCandidate {
	if n < len(f.candidates) {
		return f.candidates[:n]
	}
	return f.candidates
}

func TestRevalidatorSkipsKeysOutsidePrewarmWindow(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	var seen []string

	sampler := fixedSampler{candidates: []PrewarmCandidate{
		{Key: "far", ExpiresAt: now.Add(time.Hour), LastAccessed: now},
		{Key: "near", ExpiresAt: now.Add(time.Second), LastAccessed: now},
	}}

	cfg := DefaultRevalidatorConfig()
	cfg.PrewarmWindow = 5 * time.Second
	cfg.Interval = 10 * time.Millisecond
	cfg.Workers = 1
	r := NewRevalidator(cfg, sampler, func(job PrewarmCandidate) {
		mu.Lock()
		seen = append(seen, job.Key)
		mu.Unlock()
	})
	r.Now = func() time.Time { return now }

	shutdown := make(chan struct{})
	go r.Run(shutdown)
	time.Sleep(100 * time.Millisecond)
	close(shutdown)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, "near")
	require.NotContains(t, seen, "far")
}

func TestRevalidatorSkipsColdKeys(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	var seen []string

	sampler := fixedSampler{candidates: []PrewarmCandidate{
		{Key: "cold", ExpiresAt: now.Add(time.Second), LastAccessed: now.Add(-time.Hour)},
		{Key: "hot", ExpiresAt: now.Add(time.Second), LastAccessed: now},
	}}

	cfg := DefaultRevalidatorConfig()
	cfg.HotWindow = time.Minute
	cfg.Interval = 10 * time.Millisecond
	cfg.Workers = 1
	r := NewRevalidator(cfg, sampler, func(job PrewarmCandidate) {
		mu.Lock()
		seen = append(seen, job.Key)
		mu.Unlock()
	})
	r.Now = func() time.Time { return now }

	shutdown := make(chan struct{})
	go r.Run(shutdown)
	time.Sleep(100 * time.Millisecond)
	close(shutdown)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, "hot")
	require.NotContains(t, seen, "cold")
}
