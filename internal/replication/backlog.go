// Package replication implements spec §4.10-4.12: the primary-side backlog
// and sync server, and the replica worker. Grounded on
// original_source/src/core/replication/{backlog.rs,handler.rs,worker.rs},
// translated from tokio::sync::{Mutex,watch} into a plain sync.Mutex plus a
// broadcast-style notify channel, the idiom the rest of this module already
// uses for event-bus fan-out (internal/eventbus).
package replication

import (
	"sync"

	"github.com/spineldb/spineldb/internal/wire"
)

// DefaultBacklogCapacity is the spec's "bounded ring (default 2 MiB)".
const DefaultBacklogCapacity = 2 * 1024 * 1024

type backlogEntry struct {
	offset uint64
	frame  wire.Frame
}

// Backlog is the bounded ring of (offset, frame) tuples the primary keeps
// so a reconnecting replica can partial-resync instead of paying for a
// full snapshot transfer (spec §4.10).
type Backlog struct {
	mu          sync.Mutex
	entries     []backlogEntry
	firstOffset uint64
	capacity    int
	size        int

	notify chan struct{} // closed and replaced on every Add, signaling "offset advanced"
}

// NewBacklog constructs an empty backlog of the given byte capacity (0 uses
// DefaultBacklogCapacity).
func NewBacklog(capacity int) *Backlog {
	if capacity <= 0 {
		capacity = DefaultBacklogCapacity
	}
	return &Backlog{capacity: capacity, notify: make(chan struct{})}
}

// Add appends frame at offset, evicting the oldest entries once the ring
// exceeds its byte capacity, and wakes anyone waiting on WaitChan.
func (b *Backlog) Add(offset uint64, frame wire.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		b.firstOffset = offset
	}
	b.entries = append(b.entries, backlogEntry{offset: offset, frame: frame})
	b.size += len(frame)

	for b.size > b.capacity && len(b.entries) > 0 {
		removed := b.entries[0]
		b.entries = b.entries[1:]
		b.size -= len(removed.frame)
		if len(b.entries) > 0 {
			b.firstOffset = b.entries[0].offset
		}
	}

	close(b.notify)
	b.notify = make(chan struct{})
}

// GetSince returns the frames at or after sinceOffset, or ok=false if
// sinceOffset predates the backlog's retained window (the caller must full
// resync instead — spec §4.10 "`get_since(offset)`: returns `None`").
func (b *Backlog) GetSince(sinceOffset uint64) ([]wire.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) > 0 && sinceOffset < b.firstOffset {
		return nil, false
	}
	var out []wire.Frame
	for _, e := range b.entries {
		if e.offset >= sinceOffset {
			out = append(out, e.frame)
		}
	}
	return out, true
}

// WaitChan returns the current notify channel; it closes the next time Add
// runs, letting a streaming goroutine block until new data arrives without
// polling.
func (b *Backlog) WaitChan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}
