package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Node wires State + FSM to a running raft.Raft instance, the cluster
// coordination backbone. Grounded on teacher pkg/manager/manager.go's
// Bootstrap/Join (TCP transport, file snapshot store, BoltDB log/stable
// stores), reusing its tuned-for-fast-failover timeouts.
type Node struct {
	Raft  *raft.Raft
	FSM   *FSM
	State *State
}

// NewNode constructs raft plumbing rooted at dataDir for a node listening
// on bindAddr, but does not yet bootstrap or join a cluster.
func NewNode(nodeID, bindAddr, dataDir string) (*Node, error) {
	state := NewState(nodeID)
	fsm := NewFSM(state)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create raft instance: %w", err)
	}

	return &Node{Raft: r, FSM: fsm, State: state}, nil
}

// Bootstrap forms a brand-new single-node cluster rooted at this node,
// used the first time a cluster is created (spec §4.13 "CLUSTER MEET").
func (n *Node) Bootstrap(bindAddr string) error {
	cfg := raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(n.State.MyID),
			Address: raft.ServerAddress(bindAddr),
		}},
	}
	return n.Raft.BootstrapCluster(cfg).Error()
}

// Join adds a new voter to an existing cluster; only the current leader
// can service this (raft rejects it otherwise with ErrNotLeader).
func (n *Node) Join(nodeID, addr string) error {
	return n.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error()
}

// Propose submits op/payload to the raft log, blocking until it commits
// (or fails). Only the leader can propose; followers get raft.ErrNotLeader,
// which is returned to the caller unchanged (it is not forwarded to the
// leader).
func (n *Node) Propose(op string, payload any, timeout time.Duration) error {
	data, err := EncodeCommand(op, payload)
	if err != nil {
		return err
	}
	return n.Raft.Apply(data, timeout).Error()
}

// IsLeader reports whether this node currently holds raft leadership.
func (n *Node) IsLeader() bool {
	return n.Raft.State() == raft.Leader
}

// RegisterSelf proposes this node's own NodeInfo into the cluster state,
// retrying with backoff until it commits or shutdown fires. Committing
// requires raft leadership to be reachable — immediate for a freshly
// bootstrapped single-node cluster, eventually true for a node that just
// joined once its AddVoter call has landed. Without this, no node's own
// NodeInfo is ever in the table, so CountOnlinePrimaries/CountReachable
// Primaries would always read 0 and the quorum fencer (spec §4.15) would
// force every node permanently read-only.
func (n *Node) RegisterSelf(info NodeInfo, shutdown <-chan struct{}) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // retry forever, bounded only by shutdown

	for {
		if err := n.Propose(OpUpsertNode, info, 2*time.Second); err == nil {
			return
		}
		select {
		case <-shutdown:
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}
