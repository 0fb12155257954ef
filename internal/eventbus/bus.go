// Package eventbus implements spec §4.9: the two fan-outs every UnitOfWork
// takes — a broadcast to replication subscribers and an mpsc to the append
// log writer. Grounded on original_source/src/core/events.rs, translated
// from tokio::sync::broadcast (which Go's stdlib has no equivalent of) into
// a subscriber-registry fan-out over per-subscriber buffered channels, the
// idiom used throughout the reference corpus's own pub/sub-shaped code
// (e.g. johnjansen-torua's broadcast registries) for one-to-many delivery.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/spineldb/spineldb/internal/executor"
	"github.com/spineldb/spineldb/internal/log"
)

const (
	replicationSubscriberCapacity = 16384
	aofChannelCapacity            = 65536
)

// UnitKind distinguishes the two UnitOfWork shapes (spec §4.9).
type UnitKind int

const (
	UnitCommand UnitKind = iota
	UnitTransaction
)

// UnitOfWork is an atomic propagation item: either a single command or a
// whole transaction (spec glossary "Unit of work").
type UnitOfWork struct {
	Kind UnitKind

	Command executor.Command // meaningful when Kind == UnitCommand

	// AllCommands is every queued command (used by AOF to reconstruct
	// state exactly); WriteCommands is the write-only subset (used by
	// replication to save bandwidth) — meaningful when Kind == UnitTransaction.
	AllCommands   []executor.Command
	WriteCommands []executor.Command
}

// ReadOnlySetter is the contract the bus uses to escalate to
// administrative read-only mode when the AOF channel can no longer accept
// work (spec §4.9, §7 "Write-path failures... escalate to administrative
// read-only").
type ReadOnlySetter interface {
	SetReadOnly(reason string)
}

// Bus is the central distribution hub for all write operations.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]chan UnitOfWork
	nextSubID   uint64

	aofCh      chan UnitOfWork
	aofEnabled bool
	aofClosed  atomic.Bool

	ReadOnly ReadOnlySetter
}

// New constructs a Bus. When aofEnabled, the returned channel is the one
// the AOF writer task should range over; it is nil otherwise.
func New(aofEnabled bool, readOnly ReadOnlySetter) (*Bus, <-chan UnitOfWork) {
	b := &Bus{
		subscribers: make(map[uint64]chan UnitOfWork),
		aofEnabled:  aofEnabled,
		ReadOnly:    readOnly,
	}
	if aofEnabled {
		b.aofCh = make(chan UnitOfWork, aofChannelCapacity)
		return b, b.aofCh
	}
	return b, nil
}

// PublishCommand implements executor.Publisher: wraps a single command as
// a UnitOfWork and fans it out.
func (b *Bus) PublishCommand(cmd executor.Command) {
	b.publish(UnitOfWork{Kind: UnitCommand, Command: cmd})
}

// PublishTransaction implements txn.TransactionPublisher: wraps a
// completed transaction as a single UnitOfWork (spec §4.4 step 6).
func (b *Bus) PublishTransaction(all []executor.Command, writeOnly []executor.Command) {
	b.publish(UnitOfWork{Kind: UnitTransaction, AllCommands: all, WriteCommands: writeOnly})
}

func (b *Bus) publish(uow UnitOfWork) {
	b.mu.Lock()
	subs := make([]chan UnitOfWork, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- uow:
		default:
			// A slow replica subscriber drops frames rather than blocking
			// the write path; the replication backlog, not this channel,
			// is the durable record a reconnecting replica resyncs from.
			log.WithComponent("eventbus").Warn().Msg("replication subscriber channel full, dropping frame")
		}
	}

	if b.aofEnabled && !b.aofClosed.Load() {
		select {
		case b.aofCh <- uow:
		default:
			reason := "AOF channel is full; persistence is lagging behind writes"
			log.WithComponent("eventbus").Error().Msg(reason)
			if b.ReadOnly != nil {
				b.ReadOnly.SetReadOnly(reason)
			}
		}
	}
}

// SubscribeForReplication registers a new replication subscriber and
// returns its receive channel plus an Unsubscribe func the caller must
// invoke on disconnect.
func (b *Bus) SubscribeForReplication() (<-chan UnitOfWork, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan UnitOfWork, replicationSubscriberCapacity)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// CloseAOF marks the AOF channel closed, matching is_closed() on the
// original's mpsc sender — subsequent publishes skip the AOF fan-out
// instead of panicking on a closed channel send.
func (b *Bus) CloseAOF() {
	if b.aofEnabled {
		b.aofClosed.Store(true)
		close(b.aofCh)
	}
}

// IsAOFClosed reports whether the AOF channel has been closed.
func (b *Bus) IsAOFClosed() bool { return b.aofClosed.Load() }
