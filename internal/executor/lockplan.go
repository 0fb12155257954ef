package executor

import "github.com/spineldb/spineldb/internal/storage"

// LockPlanKind distinguishes the three shapes spec §4.3 names.
type LockPlanKind int

const (
	LockNone LockPlanKind = iota
	LockSingle
	LockMulti
)

// LockPlan is computed once per command from its extracted keys: the
// shard indices to lock, always in sorted-ascending order (spec §4.3,
// §5 "Ordering" — "a universal total order" that prevents deadlock across
// concurrently executing multi-key commands and transactions).
type LockPlan struct {
	Kind    LockPlanKind
	Indices []int
}

// BuildLockPlan computes the canonical lock plan for a set of keys against
// db. Zero keys yields LockNone; one shard (even with multiple keys
// hashing to it) yields LockSingle; more than one shard yields LockMulti.
func BuildLockPlan(db *storage.Database, keys []string) LockPlan {
	if len(keys) == 0 {
		return LockPlan{Kind: LockNone}
	}
	indices := db.ShardIndicesFor(keys)
	if len(indices) == 1 {
		return LockPlan{Kind: LockSingle, Indices: indices}
	}
	return LockPlan{Kind: LockMulti, Indices: indices}
}

// Acquire locks every shard in the plan, in order. Always paired with a
// deferred Release.
func (p LockPlan) Acquire(db *storage.Database) {
	for _, idx := range p.Indices {
		db.Shard(idx).Lock()
	}
}

// Release unlocks every shard in the plan in reverse order.
func (p LockPlan) Release(db *storage.Database) {
	for i := len(p.Indices) - 1; i >= 0; i-- {
		db.Shard(p.Indices[i]).Unlock()
	}
}
