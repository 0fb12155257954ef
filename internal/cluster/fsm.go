package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Command is one raft log entry: an opcode plus its JSON payload. Grounded
// on teacher pkg/manager/fsm.go's Command{Op, Data json.RawMessage}
// dispatch shape, reused verbatim since it's exactly the "tagged op +
// payload" idiom spec §4.14's ConfigUpdate/slot-assignment operations need.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpUpsertNode   = "upsert_node"
	OpRemoveNode   = "remove_node"
	OpAssignSlots  = "assign_slots"
	OpMarkFail     = "mark_fail"
	OpBumpEpoch    = "bump_epoch"
)

type assignSlotsPayload struct {
	NodeID string   `json:"node_id"`
	Slots  []uint16 `json:"slots"`
}

type markFailPayload struct {
	NodeID string `json:"node_id"`
}

// FSM adapts State to raft.FSM: every mutation the cluster agrees on
// travels through here as a committed log entry before being applied
// in-memory, giving the node table and slot map the same
// quorum-committed-before-visible guarantee spec §4.15's quorum fencer
// needs. Grounded on teacher pkg/manager/fsm.go's WarrenFSM.
type FSM struct {
	mu    sync.Mutex
	state *State
}

func NewFSM(state *State) *FSM {
	return &FSM{state: state}
}

func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("cluster: invalid log entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpUpsertNode:
		var info NodeInfo
		if err := json.Unmarshal(cmd.Data, &info); err != nil {
			return err
		}
		f.state.UpsertNode(info)
		return nil
	case OpRemoveNode:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		f.state.RemoveNode(id)
		return nil
	case OpAssignSlots:
		var p assignSlotsPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		info, ok := f.state.Node(p.NodeID)
		if !ok {
			return fmt.Errorf("cluster: assign_slots for unknown node %s", p.NodeID)
		}
		info.Slots = append(info.Slots, p.Slots...)
		f.state.UpsertNode(info)
		return nil
	case OpMarkFail:
		var p markFailPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		info, ok := f.state.Node(p.NodeID)
		if !ok {
			return nil
		}
		info.Flags |= FlagFail
		info.Flags &^= FlagPFail
		f.state.UpsertNode(info)
		return nil
	case OpBumpEpoch:
		f.state.NextConfigEpoch()
		return nil
	default:
		return fmt.Errorf("cluster: unknown command op %q", cmd.Op)
	}
}

// Snapshot captures every node in the table (spec's slot/node table
// persistence, replacing the original's separate nodes.conf file — raft's
// own snapshot store is the durable copy here).
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fsmSnapshot{nodes: f.state.AllNodes()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var nodes []NodeInfo
	if err := json.NewDecoder(rc).Decode(&nodes); err != nil {
		return fmt.Errorf("cluster: failed to decode snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range nodes {
		f.state.UpsertNode(n)
	}
	return nil
}

type fsmSnapshot struct {
	nodes []NodeInfo
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.nodes); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

// EncodeCommand marshals op/payload into the bytes raft.Raft.Apply wants.
func EncodeCommand(op string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Op: op, Data: data})
}
