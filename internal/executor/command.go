// Package executor implements spec §4.3's command processing pipeline and
// lock-ordered multi-shard execution model. Individual command parsers are
// an out-of-scope collaborator (spec §1); this package depends only on the
// Command contract below — a uniform "execute(ctx) -> (value, outcome)"
// dispatch as described in spec §9 "Dynamic dispatch across many commands",
// grounded on original_source/src/core/handler/command_router.rs.
package executor

import "github.com/spineldb/spineldb/internal/storage"

// Flags describes per-command metadata used by the pipeline gates.
type Flags uint32

const (
	FlagWrite Flags = 1 << iota
	FlagDenyOOM
	FlagNoPropagate
	FlagAdmin
	FlagPubSub
	FlagBlocking
	FlagCollectionScan // KEYS/SORT/SMEMBERS/HGETALL/HKEYS/HVALS-shaped
	FlagSetOperation   // SUNION/SINTER/SDIFF(STORE)-shaped
	FlagBitOp
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// WriteOutcomeKind tags what a command's execution produced, feeding the
// dirty-key counter and the event bus (spec §4.3).
type WriteOutcomeKind int

const (
	DidNotWrite WriteOutcomeKind = iota
	Write
	Delete
	Flush
)

// WriteOutcome is the result half of "execute(ctx) -> (value, outcome)".
type WriteOutcome struct {
	Kind         WriteOutcomeKind
	KeysModified int
}

// Spec is the flat per-command metadata row referenced by spec §9: arity,
// flags, and which argument positions are keys. The real key-extraction
// logic (variadic STORE-family commands, SORT's BY/GET option keys, etc.)
// lives in the out-of-scope command-parser collaborator; Spec exists so
// the pipeline and safety guard can reason about a command generically.
type Spec struct {
	Name        string
	Flags       Flags
	FirstKey    int // 1-indexed position of the first key argument, 0 = none
	LastKey     int // 1-indexed position of the last key argument, negative counts from the end
	KeyStep     int
}

// Command is the uniform contract the executor dispatches against. A
// concrete command implementation (supplied by the out-of-scope parser
// collaborator) knows its own Spec and how to gather its key arguments and
// execute against a context.
type Command interface {
	// Spec returns this command's static metadata row.
	Spec() Spec

	// Keys returns the concrete key arguments this invocation touches,
	// already extracted by the parser collaborator using Spec's
	// FirstKey/LastKey/KeyStep (or custom logic for irregular commands).
	Keys() []string

	// Execute runs the command against ctx, which already holds the
	// locks Keys() requires, and returns the RESP-agnostic result value
	// plus the write-outcome classification.
	Execute(ctx *Context) (any, WriteOutcome, error)
}

// CollectionLen reports the logical element count of v for the safety
// guard's max_collection_scan_keys check (spec §4.3 step 5), or 0 for
// kinds with no meaningful "collection size".
func CollectionLen(v *storage.StoredValue) int {
	if v == nil {
		return 0
	}
	switch v.Kind {
	case storage.KindList:
		return len(v.List)
	case storage.KindSet:
		return v.SetVal.Cardinality()
	case storage.KindHash:
		return len(v.Hash)
	case storage.KindSortedSet:
		return v.ZSet.Len()
	default:
		return 0
	}
}
