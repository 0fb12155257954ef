// Package server wires every SpinelDB collaborator package (storage,
// executor, txn, eviction, persistence, replication, cluster, the HTTP
// cache engine, and pub/sub) into one running process, the way the
// teacher's cmd/warren commands construct a manager/worker and start its
// background tasks. The actual wire codec (RESP framing and individual
// command parsers) is an out-of-scope collaborator (spec §1); this package
// builds everything up to that seam.
package server

import (
	"sync/atomic"

	"github.com/spineldb/spineldb/internal/storage"
)

// State is the small set of server-wide flags and counters the executor
// pipeline's gates and the persistence layer need read/write access to:
// administrative read-only mode, quorum self-fencing, replica mode, the
// maxmemory ceiling, and the dirty-keys-since-save counter. Grounded on
// original_source/src/core/state.rs's ServerState holding exactly these as
// atomics alongside the Db array.
type State struct {
	databases      []*storage.Database
	maxMemoryBytes uint64

	adminReadOnly  atomic.Bool
	readOnlyReason atomic.Value // string

	// Two independent self-fencing conditions (spec §4.15): losing contact
	// with enough other cluster primaries, and (as a primary) losing
	// contact with enough of one's own replicas. Either alone forces
	// read-only, so they're tracked separately rather than collapsed into
	// one flag — clearing one must never clear the other.
	clusterQuorumFenced atomic.Bool
	replicaQuorumFenced atomic.Bool

	replicaMode atomic.Bool

	dirty atomic.Uint64
}

// NewState constructs a State bound to dbs, with maxMemoryBytes the
// already-resolved (config.ParseMaxMemory) ceiling.
func NewState(dbs []*storage.Database, maxMemoryBytes uint64) *State {
	return &State{databases: dbs, maxMemoryBytes: maxMemoryBytes}
}

// SetReadOnly implements aof.ReadOnlySetter / eventbus.ReadOnlySetter: an
// unrecoverable write/fsync failure escalates the whole server to
// administrative read-only (spec §7).
func (s *State) SetReadOnly(reason string) {
	s.readOnlyReason.Store(reason)
	s.adminReadOnly.Store(true)
}

// ClearReadOnly lifts administrative read-only, e.g. after an operator
// confirms the underlying disk/fsync issue is resolved.
func (s *State) ClearReadOnly() {
	s.adminReadOnly.Store(false)
}

// ReadOnlyReason returns the reason last passed to SetReadOnly, or "" if
// none was ever set.
func (s *State) ReadOnlyReason() string {
	if v, ok := s.readOnlyReason.Load().(string); ok {
		return v
	}
	return ""
}

// IsAdminReadOnly implements executor.StateChecker.
func (s *State) IsAdminReadOnly() bool { return s.adminReadOnly.Load() }

// SetClusterQuorumFenced implements spec §4.15's cluster-quorum fencer: a
// node that counts fewer than failover_quorum reachable primaries (itself
// included) refuses writes until quorum is regained. Driven by cluster.Prober on
// every probe tick.
func (s *State) SetClusterQuorumFenced(fenced bool) { s.clusterQuorumFenced.Store(fenced) }

// SetReplicaQuorumFenced implements spec §4.15's replica-quorum fencer: a
// primary that has held fewer than min_replicas_to_write acknowledging
// replicas for longer than replica_quorum_timeout_secs refuses writes
// until the shortfall clears. Driven by the server's replica-quorum
// fencer task.
func (s *State) SetReplicaQuorumFenced(fenced bool) { s.replicaQuorumFenced.Store(fenced) }

// IsQuorumFenced implements executor.StateChecker: writes are rejected if
// either fencing condition is currently active.
func (s *State) IsQuorumFenced() bool {
	return s.clusterQuorumFenced.Load() || s.replicaQuorumFenced.Load()
}

// SetReplicaMode marks this node as a replica (replicas never accept
// direct writes; only the replication worker applies streamed commands).
func (s *State) SetReplicaMode(replica bool) { s.replicaMode.Store(replica) }

// IsReplicaReadOnly implements executor.StateChecker.
func (s *State) IsReplicaReadOnly() bool { return s.replicaMode.Load() }

// TotalMemoryUsed implements executor.StateChecker.
func (s *State) TotalMemoryUsed() uint64 {
	var total uint64
	for _, db := range s.databases {
		total += uint64(db.MemoryUsed())
	}
	return total
}

// MaxMemory implements executor.StateChecker.
func (s *State) MaxMemory() uint64 { return s.maxMemoryBytes }

// AddDirty implements executor.DirtyCounter: accumulates keys changed
// since the last successful save, driving persistence.save_rules.
func (s *State) AddDirty(n int) {
	if n > 0 {
		s.dirty.Add(uint64(n))
	}
}

// ResetDirty implements executor.DirtyCounter, called after a snapshot
// save or FLUSHALL.
func (s *State) ResetDirty() { s.dirty.Store(0) }

// DirtyCount returns the current dirty-keys counter, for the snapshot
// save-rule scheduler to compare against persistence.save_rules.
func (s *State) DirtyCount() uint64 { return s.dirty.Load() }
