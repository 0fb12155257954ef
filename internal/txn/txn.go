// Package txn implements spec §4.4's transaction manager: per-session
// MULTI/QUEUED/WATCH/EXEC state, the five-step EXEC algorithm (collect
// keys, cluster cross-slot check, lock-ordered acquire, watch validation,
// sequential apply under held locks), and the single transactional unit
// published to the event bus. Grounded on
// original_source/src/core/handler/transaction_handler.rs, translating
// the per-session DashMap entry (`db.tx_states`) into a mutex-guarded Go
// map keyed by session id.
package txn

import (
	"sort"
	"sync"
	"time"

	"github.com/spineldb/spineldb/internal/executor"
	"github.com/spineldb/spineldb/internal/spinelerr"
	"github.com/spineldb/spineldb/internal/storage"
)

// timeNow is overridable in tests for deterministic expiry checks.
var timeNow = time.Now

// State is one session's transaction bookkeeping, equivalent to the
// original's TransactionState.
type State struct {
	InTransaction bool
	HasError      bool
	Commands      []executor.Command
	Watched       map[string]uint64 // key -> captured version
}

// Manager owns the per-session transaction states for one database. Spec
// §3 places this inside the Shard ("per-session transaction state"); this
// implementation keeps it database-scoped (one map, mutex-guarded) since
// WATCH keys can span shards within a database and the original's
// `db.tx_states` is itself database-scoped, not per-shard.
type Manager struct {
	mu       sync.Mutex
	sessions map[uint64]*State

	DB       *storage.Database
	Pipeline *executor.Pipeline
	Bus      TransactionPublisher
}

// TransactionPublisher is the event-bus contract for a completed
// transaction's unit of work (spec §4.4 step 6, §4.9).
type TransactionPublisher interface {
	PublishTransaction(all []executor.Command, writeOnly []executor.Command)
}

// NewManager constructs a Manager for one database.
func NewManager(db *storage.Database, pipeline *executor.Pipeline, bus TransactionPublisher) *Manager {
	return &Manager{sessions: make(map[uint64]*State), DB: db, Pipeline: pipeline, Bus: bus}
}

func (m *Manager) stateFor(sessionID uint64) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &State{Watched: make(map[string]uint64)}
		m.sessions[sessionID] = s
	}
	return s
}

// Multi starts a transaction for sessionID (MULTI). Returns an error if
// already inside one — nesting is rejected (spec §4.4, original
// "MULTI calls can not be nested").
func (m *Manager) Multi(sessionID uint64) error {
	s := m.stateFor(sessionID)
	if s.InTransaction {
		return spinelerr.New(spinelerr.InvalidState, "MULTI calls can not be nested")
	}
	s.InTransaction = true
	s.HasError = false
	s.Commands = nil
	return nil
}

// Queue appends cmd to sessionID's pending command list (spec §4.4
// "subsequent commands are queued"). Returns (queued, err): queued is
// false with a nil error when the transaction's error latch is already set
// and the caller should reply EXECABORT-shaped without actually queuing.
func (m *Manager) Queue(sessionID uint64, cmd executor.Command) (queued bool, err error) {
	s := m.stateFor(sessionID)
	if !s.InTransaction {
		return false, spinelerr.New(spinelerr.InvalidState, "command queued without MULTI")
	}
	if s.HasError {
		return false, nil
	}
	s.Commands = append(s.Commands, cmd)
	return true, nil
}

// Watch registers keys with their current versions for sessionID (spec
// §4.4 "WATCH registers keys with their current version"). Disallowed once
// inside MULTI.
func (m *Manager) Watch(sessionID uint64, keys []string) error {
	s := m.stateFor(sessionID)
	if s.InTransaction {
		return spinelerr.New(spinelerr.InvalidState, "WATCH inside MULTI is not allowed")
	}
	nowT := timeNow()
	for _, k := range keys {
		shard := m.DB.ShardFor(k)
		v, ok := shard.Peek(k, nowT)
		if !ok {
			s.Watched[k] = 0 // absent: any future existence is a change
			continue
		}
		s.Watched[k] = v.Version
	}
	return nil
}

// Unwatch clears sessionID's watched-key set (UNWATCH, and implicitly
// after EXEC/DISCARD).
func (m *Manager) Unwatch(sessionID uint64) {
	s := m.stateFor(sessionID)
	s.Watched = make(map[string]uint64)
}

// Discard aborts sessionID's transaction, clearing queued commands and
// watches.
func (m *Manager) Discard(sessionID uint64) error {
	s := m.stateFor(sessionID)
	if !s.InTransaction {
		return spinelerr.New(spinelerr.InvalidState, "DISCARD without MULTI")
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// ExecResult is EXEC's outcome: either Aborted (watched key changed —
// spec §4.4 step 4, "return null-array"), or Results with one entry per
// queued command in order.
type ExecResult struct {
	Aborted bool
	Results []CommandResult
}

// CommandResult pairs one queued command's value with any error from
// executing it. The first error latches: later commands in the block are
// not run and each reports an EXECABORT error (spec §4.4 step 5).
type CommandResult struct {
	Value any
	Err   error
}

// Exec runs the five-step EXEC algorithm (spec §4.4) and, on success,
// publishes the transaction as a single unit of work via m.Bus.
func (m *Manager) Exec(sessionID uint64) (ExecResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok || !s.InTransaction {
		return ExecResult{}, spinelerr.New(spinelerr.InvalidState, "EXEC without MULTI")
	}
	if s.HasError {
		return ExecResult{}, spinelerr.New(spinelerr.InvalidState, "EXECABORT Transaction discarded because of previous errors.")
	}
	if len(s.Commands) == 0 && len(s.Watched) == 0 {
		return ExecResult{Results: nil}, nil
	}

	// Step 1: collect all keys (watched ∪ queued-command keys).
	keySet := make(map[string]struct{})
	for k := range s.Watched {
		keySet[k] = struct{}{}
	}
	for _, c := range s.Commands {
		for _, k := range c.Keys() {
			keySet[k] = struct{}{}
		}
	}
	allKeys := make([]string, 0, len(keySet))
	for k := range keySet {
		allKeys = append(allKeys, k)
	}
	sort.Strings(allKeys)

	// Step 2 (cluster mode cross-slot/MOVED) is delegated to the
	// Pipeline's ClusterRedirector so this package has no cluster import;
	// a standalone server wires Pipeline.Cluster = nil.
	if m.Pipeline != nil && m.Pipeline.Cluster != nil {
		if err := m.Pipeline.Cluster.CheckRedirection(allKeys, m.DB.Index, false); err != nil {
			return ExecResult{}, err
		}
	}

	// Step 3: acquire all relevant shard locks in canonical order.
	plan := executor.BuildLockPlan(m.DB, allKeys)
	plan.Acquire(m.DB)
	defer plan.Release(m.DB)

	now := timeNow()

	// Step 4: check every watched key.
	for k, capturedVersion := range s.Watched {
		v, ok := m.DB.ShardFor(k).Peek(k, now)
		if !ok {
			if capturedVersion != 0 {
				return ExecResult{Aborted: true}, nil
			}
			continue
		}
		if v.Version != capturedVersion {
			return ExecResult{Aborted: true}, nil
		}
	}

	// Step 5: execute commands sequentially within the held locks.
	results := make([]CommandResult, 0, len(s.Commands))
	var writeCommands []executor.Command
	totalChanged := 0
	hasFlush := false
	latched := false

	for _, cmd := range s.Commands {
		if latched {
			results = append(results, CommandResult{Err: spinelerr.New(spinelerr.InvalidState, "EXECABORT Transaction discarded because of previous errors.")})
			continue
		}
		ctx := &executor.Context{DB: m.DB, Locks: plan, SessionID: sessionID, Now: func() int64 { return now.Unix() }}
		value, outcome, err := cmd.Execute(ctx)
		if err != nil {
			latched = true
			results = append(results, CommandResult{Err: err})
			continue
		}
		results = append(results, CommandResult{Value: value})
		switch outcome.Kind {
		case executor.Write, executor.Delete:
			writeCommands = append(writeCommands, cmd)
			totalChanged += outcome.KeysModified
		case executor.Flush:
			writeCommands = append(writeCommands, cmd)
			hasFlush = true
		}
	}

	if latched {
		// Per spec §4.4 step 5: "the aggregate is discarded without
		// propagation" once any command errors.
		return ExecResult{Results: results}, nil
	}

	// Step 6: publish as a single transactional unit.
	if len(writeCommands) > 0 && m.Bus != nil {
		m.Bus.PublishTransaction(s.Commands, writeCommands)
	}
	_ = hasFlush
	_ = totalChanged

	return ExecResult{Results: results}, nil
}
