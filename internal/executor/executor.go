// Grounded on original_source/src/core/handler/command_router.rs
// execute_command: proactive eviction on the write path, lock acquisition,
// dispatch, and write-outcome-driven propagation to the event bus.
package executor

import (
	"time"

	"github.com/spineldb/spineldb/internal/config"
	"github.com/spineldb/spineldb/internal/metrics"
	"github.com/spineldb/spineldb/internal/storage"
)

func nowTime() time.Time { return time.Now() }

// EvictionEngine is the subset of eviction.Engine the executor needs on
// the inline write-path check (spec §4.2 "inline on the write path before
// execution"). Declared here to avoid executor -> eviction -> storage ->
// executor import cycles; eviction.Engine satisfies it structurally.
type EvictionEngine interface {
	EvictOne(db *storage.Database, policy config.EvictionPolicy) (string, bool)
}

// Publisher is the event bus contract the executor publishes write
// outcomes to (spec §4.9). Both single commands and whole transactions
// satisfy "unit of work" from the caller's side; the executor only ever
// publishes single commands itself (the transaction manager publishes its
// own aggregate unit, spec §4.4 step 6).
type Publisher interface {
	PublishCommand(cmd Command)
}

// DirtyCounter tracks keys-changed-since-last-save for the snapshot save
// rules (spec §6 persistence.save_rules) and AOF rewrite triggers.
type DirtyCounter interface {
	AddDirty(n int)
	ResetDirty()
}

// Executor ties the pipeline, lock plan, eviction and propagation together
// for the "normal command" path (spec §4.3's non-transaction flow; the
// transaction manager in internal/txn reuses BuildLockPlan/Pipeline
// directly for EXEC).
type Executor struct {
	Pipeline  *Pipeline
	Eviction  EvictionEngine
	Databases []*storage.Database
	Config    *config.Store
	Bus       Publisher
	Dirty     DirtyCounter

	maxMemoryBytes uint64 // resolved once at construction; 0 = unbounded
}

// NewExecutor wires an Executor. maxMemoryBytes is the already-resolved
// (config.ParseMaxMemory) ceiling.
func NewExecutor(pipeline *Pipeline, evictionEngine EvictionEngine, dbs []*storage.Database, store *config.Store, bus Publisher, dirty DirtyCounter, maxMemoryBytes uint64) *Executor {
	return &Executor{
		Pipeline: pipeline, Eviction: evictionEngine, Databases: dbs,
		Config: store, Bus: bus, Dirty: dirty, maxMemoryBytes: maxMemoryBytes,
	}
}

const maxEvictionAttempts = 10

func (e *Executor) totalMemory() uint64 {
	var total uint64
	for _, db := range e.Databases {
		total += uint64(db.MemoryUsed())
	}
	return total
}

// Execute runs the full normal-command path: proactive eviction, lock
// acquisition, dispatch, and propagation.
func (e *Executor) Execute(cmd Command, db *storage.Database, sessionID uint64, user string) (any, error) {
	spec := cmd.Spec()

	if spec.Flags.Has(FlagWrite) && e.maxMemoryBytes > 0 {
		cfg := e.Config.Get()
		if cfg.MaxMemoryPolicy != config.NoEviction {
			for i := 0; i < maxEvictionAttempts; i++ {
				if e.totalMemory() < e.maxMemoryBytes {
					break
				}
				if _, ok := e.Eviction.EvictOne(db, cfg.MaxMemoryPolicy); !ok {
					break
				}
			}
		}
	}

	if e.Pipeline != nil {
		if err := e.Pipeline.Run(cmd, db, db.Index, sessionInfo{}); err != nil {
			return nil, err
		}
	}

	keys := cmd.Keys()
	plan := BuildLockPlan(db, keys)
	plan.Acquire(db)
	defer plan.Release(db)

	ctx := &Context{DB: db, Locks: plan, SessionID: sessionID, User: user, Now: func() int64 { return time.Now().Unix() }}
	value, outcome, err := cmd.Execute(ctx)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("ok").Inc()

	switch outcome.Kind {
	case Write:
		e.Dirty.AddDirty(outcome.KeysModified)
	case Delete:
		e.Dirty.AddDirty(outcome.KeysModified)
	case Flush:
		e.Dirty.ResetDirty()
	}

	if outcome.Kind != DidNotWrite && !spec.Flags.Has(FlagNoPropagate) {
		e.Bus.PublishCommand(cmd)
	}

	return value, nil
}
