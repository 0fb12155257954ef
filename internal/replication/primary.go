package replication

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/spineldb/spineldb/internal/eventbus"
	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/snapshot"
	"github.com/spineldb/spineldb/internal/storage"
	"github.com/spineldb/spineldb/internal/wire"
)

// ReplicaSyncState is a per-replica sync phase (spec §3 "Replication
// state (primary side)").
type ReplicaSyncState int

const (
	AwaitingFullSync ReplicaSyncState = iota
	Online
)

// ReplicaInfo is the primary's bookkeeping for one connected replica.
type ReplicaInfo struct {
	Addr       string
	State      ReplicaSyncState
	AckOffset  uint64
	LastAck    time.Time
}

// Primary is the primary-side replication server (spec §4.11): it answers
// PSYNC with either a partial or full resync and then streams live writes.
type Primary struct {
	RunID   string
	Backlog *Backlog
	Bus     *eventbus.Bus
	Dbs     []*storage.Database
	Encoder wire.Encoder

	offsetMu sync.Mutex
	offset   uint64

	mu       sync.Mutex
	replicas map[string]*ReplicaInfo
	syncLock map[string]*sync.Mutex
}

// NewPrimary constructs a Primary with a freshly generated 40-hex run id
// (spec §3 "master run id (random 40-hex at boot)").
func NewPrimary(bus *eventbus.Bus, backlog *Backlog, dbs []*storage.Database, enc wire.Encoder) *Primary {
	return &Primary{
		RunID:    newRunID(),
		Backlog:  backlog,
		Bus:      bus,
		Dbs:      dbs,
		Encoder:  enc,
		replicas: make(map[string]*ReplicaInfo),
		syncLock: make(map[string]*sync.Mutex),
	}
}

func newRunID() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Offset returns the primary's current global byte offset.
func (p *Primary) Offset() uint64 {
	p.offsetMu.Lock()
	defer p.offsetMu.Unlock()
	return p.offset
}

// Advance assigns the next contiguous range of offset to frame and records
// it in the backlog, called once per propagated UnitOfWork by the feeder
// task subscribed to the event bus (spec §4.9, §5 "the backlog offset is
// assigned atomically under the bus increment").
func (p *Primary) Advance(frame wire.Frame) uint64 {
	p.offsetMu.Lock()
	start := p.offset
	p.offset += uint64(len(frame))
	p.offsetMu.Unlock()
	p.Backlog.Add(start, frame)
	return start
}

// HandleSync serves one PSYNC request from addr: it either replies
// +CONTINUE and streams the backlog slice, or +FULLRESYNC and streams a
// fresh snapshot, then in both cases streams live updates until w errors
// or shutdown fires (spec §4.11).
func (p *Primary) HandleSync(addr, requestedRunID, requestedOffsetStr string, w io.Writer, shutdown <-chan struct{}) error {
	lock := p.syncLockFor(addr)
	if !lock.TryLock() {
		_, err := io.WriteString(w, "-ERR Sync in progress\r\n")
		return err
	}
	defer lock.Unlock()

	logger := log.WithComponent("replication-primary")

	p.mu.Lock()
	existing, known := p.replicas[addr]
	p.mu.Unlock()

	if requestedRunID == p.RunID && known && existing.State == Online {
		if offset, err := strconv.ParseUint(requestedOffsetStr, 10, 64); err == nil {
			if frames, ok := p.Backlog.GetSince(offset); ok {
				startOffset := p.Offset()
				if err := p.doPartialResync(w, frames); err != nil {
					return err
				}
				return p.streamLiveUpdates(addr, w, startOffset, shutdown)
			}
		}
	}

	p.setReplicaState(addr, AwaitingFullSync, 0)
	logger.Info().Str("addr", addr).Msg("performing full resync")
	startOffset, err := p.doFullResync(w)
	if err != nil {
		return err
	}
	p.setReplicaState(addr, Online, 0)
	return p.streamLiveUpdates(addr, w, startOffset, shutdown)
}

func (p *Primary) syncLockFor(addr string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.syncLock[addr]
	if !ok {
		l = &sync.Mutex{}
		p.syncLock[addr] = l
	}
	return l
}

func (p *Primary) setReplicaState(addr string, state ReplicaSyncState, ackOffset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicas[addr] = &ReplicaInfo{Addr: addr, State: state, AckOffset: ackOffset, LastAck: time.Now()}
}

func (p *Primary) doPartialResync(w io.Writer, frames []wire.Frame) error {
	if _, err := io.WriteString(w, "+CONTINUE\r\n"); err != nil {
		return err
	}
	for _, f := range frames {
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Primary) doFullResync(w io.Writer) (uint64, error) {
	startOffset := p.Offset()
	header := fmt.Sprintf("+FULLRESYNC %s %d\r\n", p.RunID, startOffset)
	if _, err := io.WriteString(w, header); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		bw := bufio.NewWriter(pw)
		err := snapshot.WriteDatabases(bw, p.Dbs)
		if err == nil {
			err = bw.Flush()
		}
		_ = pw.CloseWithError(err)
		errCh <- err
	}()

	buf, err := io.ReadAll(pr)
	if err != nil {
		return 0, err
	}
	if genErr := <-errCh; genErr != nil {
		return 0, genErr
	}

	bulkHeader := fmt.Sprintf("$%d\r\n", len(buf))
	if _, err := io.WriteString(w, bulkHeader); err != nil {
		return 0, err
	}
	if _, err := w.Write(buf); err != nil {
		return 0, err
	}
	return startOffset, nil
}

// streamLiveUpdates streams the replication subscription to w, forwarding
// every propagated UnitOfWork's encoded frame, until the subscription
// channel closes or w fails (spec §4.11 "enter live-update streaming").
func (p *Primary) streamLiveUpdates(addr string, w io.Writer, lastKnownOffset uint64, shutdown <-chan struct{}) error {
	ch, unsubscribe := p.Bus.SubscribeForReplication()
	defer unsubscribe()

	for {
		select {
		case <-shutdown:
			return nil
		case uow, ok := <-ch:
			if !ok {
				return nil
			}
			frame, err := p.encodeUOW(uow)
			if err != nil {
				return err
			}
			p.Advance(frame)
			if _, err := w.Write(frame); err != nil {
				return err
			}
		}
	}
}

func (p *Primary) encodeUOW(uow eventbus.UnitOfWork) (wire.Frame, error) {
	if uow.Kind == eventbus.UnitCommand {
		return p.Encoder.Encode(uow.Command)
	}
	var out wire.Frame
	for _, c := range uow.WriteCommands {
		f, err := p.Encoder.Encode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, f...)
	}
	return out, nil
}

// Ack records a REPLCONF ACK from a connected replica (spec §4.11
// "REPLCONF ACK messages update ack-offset and last-ack time").
func (p *Primary) Ack(addr string, offset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.replicas[addr]; ok {
		r.AckOffset = offset
		r.LastAck = time.Now()
	}
}

// OnlineCount returns how many replicas are currently Online, used by
// replica-quorum fencing (spec §4.15).
func (p *Primary) OnlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.replicas {
		if r.State == Online {
			n++
		}
	}
	return n
}
