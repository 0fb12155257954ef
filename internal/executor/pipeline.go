// Grounded on original_source/src/core/handler/{command_router,
// safety_guard}.rs and pipeline/{acl_check,cluster_redirect,state_check}.rs:
// the five-gate pipeline of spec §4.3. Each gate is a small interface so
// this package doesn't import cluster/acl/replication directly (those
// depend on storage/executor, not the other way around); the server
// wiring layer supplies concrete implementations.
package executor

import (
	"github.com/spineldb/spineldb/internal/spinelerr"
	"github.com/spineldb/spineldb/internal/storage"
)

// ClusterRedirector implements pipeline gate 2 (spec §4.3): cluster
// redirect / cross-slot checks. A standalone (non-cluster) server wires in
// a no-op implementation.
type ClusterRedirector interface {
	CheckRedirection(keys []string, dbIndex int, asking bool) error
}

// ACLChecker implements pipeline gate 3: permission evaluation. The ACL
// rule evaluator itself is an out-of-scope collaborator (spec §1); this
// interface is the contract the core consumes.
type ACLChecker interface {
	CheckPermission(user string, cmd Command) error
}

// StateChecker implements pipeline gate 4: read-only/OOM/quorum-fence
// global state checks.
type StateChecker interface {
	// IsAdminReadOnly reports whether the server is in administrative
	// read-only mode (spec §4.7, §9 "Write-path failures... escalate to
	// administrative read-only").
	IsAdminReadOnly() bool
	// IsQuorumFenced reports self-fencing read-only due to quorum loss
	// (spec §4.15).
	IsQuorumFenced() bool
	// IsReplicaReadOnly reports whether this node is a replica (replicas
	// never accept direct writes).
	IsReplicaReadOnly() bool
	// TotalMemoryUsed and MaxMemory support the DENY_OOM gate.
	TotalMemoryUsed() uint64
	MaxMemory() uint64
}

// SafetyLimits implements pipeline gate 5 (spec §4.3 step 5, grounded on
// safety_guard.rs): collection-size and BITOP allocation caps.
type SafetyLimits struct {
	MaxCollectionScanKeys int
	MaxSetOperationKeys   int
	MaxBitopAllocSize     int
}

// Pipeline bundles the gates and runs them in spec §4.3 order. Nil gate
// interfaces are treated as "allow" (used by standalone-mode wiring).
type Pipeline struct {
	Cluster ClusterRedirector
	ACL     ACLChecker
	State   StateChecker
	Safety  SafetyLimits
}

// sessionInfo is the minimal session-derived input the gates need beyond
// the command itself.
type sessionInfo struct {
	Asking      bool
	IsSetCount  int // number of input keys for set-operation commands, when applicable
	BitopKeys   []string
}

// Run executes gates 1-5 against cmd, given its already-extracted keys
// (gate 1, key extraction, is the out-of-scope parser's job and has
// already happened by the time a Command reaches here). Returns the first
// gate failure, or nil if cmd may proceed to execution.
func (p *Pipeline) Run(cmd Command, db *storage.Database, dbIndex int, sess sessionInfo) error {
	keys := cmd.Keys()
	spec := cmd.Spec()

	// Gate 2: cluster redirect / cross-slot.
	if p.Cluster != nil {
		if err := p.Cluster.CheckRedirection(keys, dbIndex, sess.Asking); err != nil {
			return err
		}
	}

	// Gate 3: ACL.
	if p.ACL != nil {
		if err := p.ACL.CheckPermission("", cmd); err != nil {
			return err
		}
	}

	// Gate 4: global state.
	if p.State != nil {
		if spec.Flags.Has(FlagWrite) {
			if p.State.IsAdminReadOnly() {
				return spinelerr.New(spinelerr.ReadOnly, "server is in read-only mode")
			}
			if p.State.IsQuorumFenced() {
				return spinelerr.New(spinelerr.ClusterDown, "quorum lost, writes rejected")
			}
			if p.State.IsReplicaReadOnly() {
				return spinelerr.New(spinelerr.ReadOnly, "you can't write against a read only replica")
			}
		}
		if spec.Flags.Has(FlagDenyOOM) {
			if max := p.State.MaxMemory(); max > 0 && p.State.TotalMemoryUsed() >= max {
				return spinelerr.New(spinelerr.MaxMemoryReached, "command not allowed when used memory > 'maxmemory'")
			}
		}
	}

	// Gate 5: safety guard. Peek takes its own shard lock; these checks
	// happen before the executor's own lock plan is acquired, matching
	// the original's independent `entries.lock()` in safety_guard.rs.
	if spec.Flags.Has(FlagCollectionScan) && p.Safety.MaxCollectionScanKeys > 0 && len(keys) > 0 {
		v, ok := db.ShardFor(keys[0]).Peek(keys[0], nowTime())
		if ok && CollectionLen(v) > p.Safety.MaxCollectionScanKeys {
			return spinelerr.New(spinelerr.InvalidState,
				"command '%s' aborted: collection size (%d) exceeds 'max_collection_scan_keys' limit (%d)",
				spec.Name, CollectionLen(v), p.Safety.MaxCollectionScanKeys)
		}
	}
	if spec.Flags.Has(FlagSetOperation) && p.Safety.MaxSetOperationKeys > 0 && len(keys) > p.Safety.MaxSetOperationKeys {
		return spinelerr.New(spinelerr.InvalidState,
			"command '%s' aborted: number of keys (%d) exceeds 'max_set_operation_keys' limit (%d)",
			spec.Name, len(keys), p.Safety.MaxSetOperationKeys)
	}
	if spec.Flags.Has(FlagBitOp) && p.Safety.MaxBitopAllocSize > 0 {
		maxLen := 0
		for _, k := range sess.BitopKeys {
			if v, ok := db.ShardFor(k).Peek(k, nowTime()); ok && v.Kind == storage.KindString {
				if len(v.Str) > maxLen {
					maxLen = len(v.Str)
				}
			}
		}
		if maxLen > p.Safety.MaxBitopAllocSize {
			return spinelerr.New(spinelerr.InvalidState,
				"command 'BITOP' aborted: required allocation (%d) exceeds 'max_bitop_alloc_size' limit (%d)",
				maxLen, p.Safety.MaxBitopAllocSize)
		}
	}

	return nil
}
