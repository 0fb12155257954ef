package server

import (
	"github.com/spineldb/spineldb/internal/cluster"
	"github.com/spineldb/spineldb/internal/spinelerr"
)

// StandaloneRedirect is the executor.ClusterRedirector a non-cluster
// server wires in: cluster mode is off, so every command is local.
type StandaloneRedirect struct{}

// CheckRedirection implements executor.ClusterRedirector.
func (StandaloneRedirect) CheckRedirection(keys []string, dbIndex int, asking bool) error {
	return nil
}

// ClusterRedirect implements executor.ClusterRedirector against a live
// cluster.State (spec §4.13-4.15): every key in one command must hash to
// the same slot, and that slot must be owned by this node (or the
// session must carry ASKING during slot migration) or the client is told
// MOVED/ASK. Grounded on
// original_source/src/core/pipeline/cluster_redirect.rs.
type ClusterRedirect struct {
	State *cluster.State
	MyID  string
}

// CheckRedirection implements executor.ClusterRedirector.
func (c *ClusterRedirect) CheckRedirection(keys []string, dbIndex int, asking bool) error {
	if len(keys) == 0 {
		return nil
	}

	slot := cluster.GetSlot(keys[0])
	for _, k := range keys[1:] {
		if cluster.GetSlot(k) != slot {
			return spinelerr.New(spinelerr.CrossSlot, "keys in request don't hash to the same slot")
		}
	}

	owner := c.State.OwnerOfSlot(slot)
	if owner == "" {
		return spinelerr.New(spinelerr.ClusterDown, "hash slot %d is not served", slot)
	}
	if owner == c.MyID || asking {
		return nil
	}
	info, _ := c.State.Node(owner)
	return spinelerr.New(spinelerr.Moved, "%d %s", slot, info.Addr)
}
