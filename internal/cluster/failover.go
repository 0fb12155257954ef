package cluster

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/spineldb/spineldb/internal/log"
)

// failoverCheckInterval is how often every node re-evaluates its own
// self-demotion condition and, if it is a replica of a FAILed primary,
// considers starting an election (spec §4.14 "replica-initiated
// failover").
const failoverCheckInterval = 500 * time.Millisecond

// electionDelayMin/electionDelayJitter bound the randomized delay a
// candidate waits before requesting votes (spec §4.14 step 2), so that
// when several replicas of the same failed primary are eligible they
// don't all start elections in lockstep.
const (
	electionDelayMin    = 100 * time.Millisecond
	electionDelayJitter = 300 * time.Millisecond
	electionVoteTimeout = 1 * time.Second
)

// FailoverMonitor runs the replica-initiated failover algorithm on every
// node (spec §4.14 steps 1-5): a replica whose primary is FAILed aborts if
// a peer replica already has a higher offset, waits out a randomized
// delay and re-checks, then requests votes from online primaries and only
// commits a promotion once a majority has granted it — the vote quorum
// plus Gossip's per-epoch TryVote bookkeeping is this implementation's
// substitute for the original's hand-rolled epoch/quorum vote counting
// (original_source/src/core/cluster/failover.rs's start_election), kept
// faithful to the same semantics rather than replaced by a unilateral
// decision. A promotion or self-demotion still needs to be committed
// through raft (only the current raft leader's Propose succeeds); a node
// that wins an election while not itself the leader logs and skips,
// which is an accepted limitation until a leader-forwarding RPC exists.
type FailoverMonitor struct {
	Node   *Node
	Gossip *Prober
}

// Run drives the periodic scan until shutdown fires.
func (m *FailoverMonitor) Run(shutdown <-chan struct{}) {
	logger := log.WithComponent("cluster-failover")
	ticker := time.NewTicker(failoverCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			m.checkSelfDemotion(logger)
			m.maybeStartElection(logger, shutdown)
		}
	}
}

// checkSelfDemotion implements spec §4.14's epoch-conflict self-demotion:
// a primary that observes another primary with a higher config epoch
// claiming an overlapping slot must step down to replica of the winner,
// resolving a split-brain where two primaries both believe they own a
// slot range after a partition heals.
func (m *FailoverMonitor) checkSelfDemotion(logger zerolog.Logger) {
	self, ok := m.Node.State.Node(m.Node.State.MyID)
	if !ok || !self.Flags.Has(FlagPrimary) || len(self.Slots) == 0 {
		return
	}
	for _, n := range m.Node.State.AllNodes() {
		if n.ID == self.ID || !n.Flags.Has(FlagPrimary) || n.ConfigEpoch <= self.ConfigEpoch {
			continue
		}
		if !slotsOverlap(self.Slots, n.Slots) {
			continue
		}

		logger.Warn().
			Str("self", self.ID).
			Str("higher_epoch_owner", n.ID).
			Uint64("their_epoch", n.ConfigEpoch).
			Uint64("our_epoch", self.ConfigEpoch).
			Msg("observed higher-epoch primary claiming our slots, self-demoting")

		demoted := self
		demoted.Flags = (demoted.Flags &^ FlagPrimary) | FlagReplica
		demoted.ReplicaOf = n.ID
		demoted.Slots = nil
		if err := m.Node.Propose(OpUpsertNode, demoted, 2*time.Second); err != nil {
			logger.Error().Err(err).Msg("failed to commit self-demotion")
		}
		return
	}
}

// maybeStartElection runs spec §4.14 steps 1-5 for a replica whose
// primary is currently FAILed.
func (m *FailoverMonitor) maybeStartElection(logger zerolog.Logger, shutdown <-chan struct{}) {
	self, ok := m.Node.State.Node(m.Node.State.MyID)
	if !ok || !self.Flags.Has(FlagReplica) || self.ReplicaOf == "" {
		return
	}
	primary, ok := m.Node.State.Node(self.ReplicaOf)
	if !ok || !primary.Flags.Has(FlagFail) {
		return
	}
	if m.hasHigherOffsetPeer(self) {
		return
	}

	delay := electionDelayMin + time.Duration(rand.Int63n(int64(electionDelayJitter)))
	select {
	case <-shutdown:
		return
	case <-time.After(delay):
	}

	// Re-check: another replica may have already won, or caught up past
	// us, during the delay (spec §4.14 step 2's "re-check").
	self, ok = m.Node.State.Node(m.Node.State.MyID)
	if !ok || m.hasHigherOffsetPeer(self) {
		return
	}
	primary, ok = m.Node.State.Node(self.ReplicaOf)
	if !ok || !primary.Flags.Has(FlagFail) {
		return
	}

	epoch := m.Node.State.NextConfigEpoch()
	if !m.Node.State.TryVote(epoch) {
		return
	}

	needed := m.Node.State.CountOnlinePrimaries()/2 + 1
	el := m.Gossip.startElection(self.ID, epoch, needed)
	defer m.Gossip.endElection(self.ID, epoch)
	el.recordVote(self.ID, true) // a candidate implicitly votes for itself

	m.Gossip.broadcastFailoverAuthRequest(self.ID, primary.ID, self.ReplOffset, epoch)

	select {
	case <-el.done:
	case <-time.After(electionVoteTimeout):
	case <-shutdown:
		return
	}

	if !el.wonQuorum() {
		logger.Info().Str("candidate", self.ID).Int("needed", needed).Msg("failover election did not reach quorum")
		return
	}

	promoted := self
	promoted.Flags = (promoted.Flags &^ FlagReplica) | FlagPrimary
	promoted.ReplicaOf = ""
	promoted.Slots = append(promoted.Slots, primary.Slots...)
	promoted.ConfigEpoch = epoch

	if err := m.Node.Propose(OpUpsertNode, promoted, 2*time.Second); err != nil {
		logger.Warn().Err(err).Msg("won failover election but could not commit promotion")
		return
	}
	if err := m.Node.Propose(OpRemoveNode, primary.ID, 2*time.Second); err != nil {
		logger.Error().Err(err).Str("node", primary.ID).Msg("failed to remove superseded primary from node table")
	}
	logger.Info().Str("promoted", self.ID).Str("failed_primary", primary.ID).Msg("replica-initiated failover committed")
}

// hasHigherOffsetPeer implements spec §4.14 step 1: a replica aborts its
// own candidacy if a peer replicating the same primary has a higher
// replication offset, since that peer would lose less data if promoted.
func (m *FailoverMonitor) hasHigherOffsetPeer(self NodeInfo) bool {
	for _, n := range m.Node.State.AllNodes() {
		if n.ID == self.ID || n.ReplicaOf != self.ReplicaOf {
			continue
		}
		if n.ReplOffset > self.ReplOffset {
			return true
		}
	}
	return false
}

func slotsOverlap(a, b []uint16) bool {
	set := make(map[uint16]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}
