package pubsub

import (
	"time"

	"github.com/spineldb/spineldb/internal/log"
)

// PurgeInterval is how often the channel purger task sweeps empty
// channel/pattern entries (channel_purger.rs's PURGE_INTERVAL).
const PurgeInterval = 5 * time.Minute

// Purger periodically reaps channel/pattern entries with no remaining
// subscribers, preventing the maps from growing without bound under
// constant subscribe/unsubscribe churn on transient channel names.
type Purger struct {
	Manager *Manager
}

// NewPurger constructs a Purger bound to m.
func NewPurger(m *Manager) *Purger {
	return &Purger{Manager: m}
}

// Run ticks every PurgeInterval until shutdown fires.
func (p *Purger) Run(shutdown <-chan struct{}) {
	logger := log.WithComponent("pubsub-purger")
	ticker := time.NewTicker(PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			if n := p.Manager.PurgeEmpty(); n > 0 {
				logger.Debug().Int("purged", n).Msg("purged empty pub/sub channels")
			}
		}
	}
}
