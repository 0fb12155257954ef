package cluster

import (
	"sync"
	"time"
)

// NodeRole is a node's role for a given slot range (spec §4.13).
type NodeRole int

const (
	RolePrimary NodeRole = iota
	RoleReplica
)

// NodeFlags mirrors spec §4.14's node state bits, grounded on
// original_source/src/core/cluster/state.rs's bitflags NodeFlags.
type NodeFlags uint16

const (
	FlagMyself NodeFlags = 1 << iota
	FlagPrimary
	FlagReplica
	FlagPFail
	FlagFail
	FlagHandshake
	FlagNoAddr
	FlagMigrating
	FlagImporting
)

func (f NodeFlags) Has(bit NodeFlags) bool { return f&bit != 0 }

// NodeInfo is the gossiped/persisted shape of one cluster member (spec
// §4.13-4.14). It is replicated through the raft log (see fsm.go) instead
// of the original's bincode-over-UDP gossip payload, so every voting node
// converges on the same node table without a separate anti-entropy pass.
type NodeInfo struct {
	ID             string            `json:"id"`
	Addr           string            `json:"addr"`
	BusAddr        string            `json:"bus_addr"`
	Flags          NodeFlags         `json:"flags"`
	ReplicaOf      string            `json:"replica_of,omitempty"`
	Slots          []uint16          `json:"slots,omitempty"`
	ConfigEpoch    uint64            `json:"config_epoch"`
	ReplOffset     uint64            `json:"repl_offset"`
	MigratingSlots map[uint16]string `json:"migrating_slots,omitempty"`
	ImportingSlots map[uint16]string `json:"importing_slots,omitempty"`
}

// runtimeNode is local-only liveness bookkeeping never persisted through
// raft (spec §4.14 "NodeRuntimeState ... not persisted or gossiped").
type runtimeNode struct {
	Info          NodeInfo
	PingSent      time.Time
	PongReceived  time.Time
	PFailReports  map[string]time.Time // reporter id -> when reported
}

// State is the in-memory cluster view every node maintains. Persisted node
// facts and slot ownership are written from FSM.Apply (the raft-committed
// path); gossip only adds handshake placeholders (LearnNode) and updates
// liveness bookkeeping. Reads may happen from any goroutine, hence the
// RWMutex.
type State struct {
	MyID string

	mu         sync.RWMutex
	nodes      map[string]*runtimeNode
	slotOwner  [NumSlots]string // node id owning each slot, "" if unassigned

	lastPurgeEpoch uint64
	configEpoch    uint64
	lastVoteEpoch  uint64
}

// NewState constructs an empty cluster state for myID.
func NewState(myID string) *State {
	return &State{MyID: myID, nodes: make(map[string]*runtimeNode)}
}

// UpsertNode inserts or replaces a node's persisted info, preserving its
// existing runtime liveness bookkeeping if already known.
func (s *State) UpsertNode(info NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertNodeLocked(info)
}

func (s *State) upsertNodeLocked(info NodeInfo) {
	rn, ok := s.nodes[info.ID]
	if !ok {
		rn = &runtimeNode{PFailReports: make(map[string]time.Time)}
		s.nodes[info.ID] = rn
	}
	rn.Info = info
	for _, slot := range info.Slots {
		s.slotOwner[slot] = info.ID
	}
	if info.ConfigEpoch > s.configEpoch {
		s.configEpoch = info.ConfigEpoch
	}
}

// RemoveNode drops a node from the table and clears any slots it owned.
func (s *State) RemoveNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	for i, owner := range s.slotOwner {
		if owner == id {
			s.slotOwner[i] = ""
		}
	}
}

// Node returns a copy of the node table entry for id, if known.
func (s *State) Node(id string) (NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rn, ok := s.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return rn.Info, true
}

// AllNodes returns a snapshot of every known node's info.
func (s *State) AllNodes() []NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeInfo, 0, len(s.nodes))
	for _, rn := range s.nodes {
		out = append(out, rn.Info)
	}
	return out
}

// OwnerOfSlot returns the node id owning slot, or "" if unassigned (spec
// §4.13's redirect lookup).
func (s *State) OwnerOfSlot(slot uint16) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slotOwner[slot]
}

// IOwnSlot reports whether MyID currently owns slot.
func (s *State) IOwnSlot(slot uint16) bool {
	return s.OwnerOfSlot(slot) == s.MyID
}

// MarkPingSent/MarkPongReceived/RecordPFailReport are liveness-only
// mutations from the gossip prober; they never go through raft since
// they're ephemeral observations, not agreed-upon cluster facts.
func (s *State) MarkPingSent(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rn, ok := s.nodes[id]; ok {
		rn.PingSent = at
	}
}

func (s *State) MarkPongReceived(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rn, ok := s.nodes[id]; ok {
		rn.PongReceived = at
		rn.Info.Flags &^= FlagPFail
	}
}

// CheckTimeouts flags nodes that haven't PONGed within nodeTimeout as
// PFAIL, returning their ids for the caller to gossip/escalate (spec
// §4.14 "PFAIL: no PONG received within node_timeout").
func (s *State) CheckTimeouts(nodeTimeout time.Duration, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newlyPFail []string
	for id, rn := range s.nodes {
		if rn.Info.Flags.Has(FlagMyself | FlagHandshake | FlagFail) {
			continue
		}
		if !rn.PongReceived.IsZero() && now.Sub(rn.PongReceived) > nodeTimeout && !rn.Info.Flags.Has(FlagPFail) {
			rn.Info.Flags |= FlagPFail
			newlyPFail = append(newlyPFail, id)
		}
	}
	return newlyPFail
}

// RecordPFailReport records that reporterID has reported nodeID as PFAIL,
// and reports whether the reports now constitute a majority of known
// primaries (promoting PFAIL to FAIL, spec §4.14).
func (s *State) RecordPFailReport(nodeID, reporterID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.nodes[nodeID]
	if !ok {
		return false
	}
	rn.PFailReports[reporterID] = now

	primaries := 0
	for _, other := range s.nodes {
		if other.Info.Flags.Has(FlagPrimary) {
			primaries++
		}
	}
	quorum := primaries/2 + 1
	return len(rn.PFailReports) >= quorum
}

// CleanStalePFailReports drops PFAIL reports older than 2x node_timeout
// (spec §4.14 "stale PFAIL reports are dropped after 2x node_timeout").
func (s *State) CleanStalePFailReports(nodeTimeout time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := 2 * nodeTimeout
	for _, rn := range s.nodes {
		for reporter, at := range rn.PFailReports {
			if now.Sub(at) > cutoff {
				delete(rn.PFailReports, reporter)
			}
		}
	}
}

// CountOnlinePrimaries returns how many non-FAIL primaries are known, the
// denominator used by the replica-initiated failover vote quorum (spec
// §4.14's "majority of online primaries").
func (s *State) CountOnlinePrimaries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rn := range s.nodes {
		if rn.Info.Flags.Has(FlagPrimary) && !rn.Info.Flags.Has(FlagFail) {
			n++
		}
	}
	return n
}

// CountReachablePrimaries returns how many primaries (including self) this
// node's own failure detector currently considers live: neither FAIL nor
// PFAIL. Used by the cluster-quorum fencer (spec §4.15), which must react
// within a single probe tick — waiting out FAIL's majority-corroboration
// delay (RecordPFailReport) would be too slow, but a node missing its PONG
// deadline is already flagged PFAIL by the same probe tick that calls this.
func (s *State) CountReachablePrimaries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rn := range s.nodes {
		if rn.Info.Flags.Has(FlagPrimary) && !rn.Info.Flags.Has(FlagFail) && !rn.Info.Flags.Has(FlagPFail) {
			n++
		}
	}
	return n
}

// TotalPrimaries returns the total number of known primaries (online or
// not). The quorum fencer does not use it; it compares
// CountReachablePrimaries against the configured failover quorum.
func (s *State) TotalPrimaries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rn := range s.nodes {
		if rn.Info.Flags.Has(FlagPrimary) {
			n++
		}
	}
	return n
}

func (s *State) NextConfigEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configEpoch++
	return s.configEpoch
}

func (s *State) NextPurgeEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPurgeEpoch++
	return s.lastPurgeEpoch
}

// TryVote implements spec §4.14's per-election "last-vote-epoch" rule: a
// node votes in a given config epoch at most once, preventing it from
// granting two different candidates the same election.
func (s *State) TryVote(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch <= s.lastVoteEpoch {
		return false
	}
	s.lastVoteEpoch = epoch
	return true
}

// LearnNode records a node discovered via gossip anti-entropy (spec §4.13's
// Ping/Pong node-sample propagation) if it isn't already known, as a
// handshake placeholder pending the raft-committed details that only
// FSM.Apply may set. It never overwrites an already-known node, since raft
// (not gossip) is the source of truth for persisted node facts.
func (s *State) LearnNode(id, addr, busAddr string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; ok {
		return
	}
	s.nodes[id] = &runtimeNode{
		Info:         NodeInfo{ID: id, Addr: addr, BusAddr: busAddr, Flags: FlagHandshake},
		PFailReports: make(map[string]time.Time),
	}
}
