package cluster

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spineldb/spineldb/internal/httpcache"
	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/pubsub"
)

// gossipKind distinguishes every message kind the UDP bus carries (spec
// §4.13): liveness probing (Ping/Pong, each carrying an anti-entropy
// sample of known nodes), failure reporting, the replica-initiated
// failover vote (FailoverAuthRequest/Ack), cluster-wide pub/sub fan-out
// (Publish), cache tag-purge epoch propagation (PurgeTags), best-effort
// node-fact dissemination outside the raft log (ConfigUpdate), and the
// initial handshake (Meet). Grounded on
// original_source/src/core/cluster/gossip.rs's message enum.
type gossipKind uint8

const (
	kindPing gossipKind = iota
	kindPong
	kindFailReport
	kindMeet
	kindFailoverAuthRequest
	kindFailoverAuthAck
	kindPublish
	kindPurgeTags
	kindConfigUpdate
)

// gossipNodeSample is the compact per-node shape carried in a Ping/Pong's
// anti-entropy sample (spec §4.13: "Ping/Pong carry a random sample of
// roughly 10 known nodes").
type gossipNodeSample struct {
	ID      string
	Addr    string
	BusAddr string
	Flags   NodeFlags
}

// gossipMessage is the wire payload, HMAC-signed with the cluster
// password the same way SecureGossipMessage in
// original_source/src/core/cluster/secure_gossip.rs signs every UDP
// datagram, just with Go's stdlib encoding/gob in place of bincode (no
// pack repo imports a third-party binary codec for a payload this small;
// gob is the idiomatic Go stdlib choice for a private wire format). Not
// every field is meaningful for every Kind; see the per-kind comments.
type gossipMessage struct {
	Kind        gossipKind
	SenderID    string
	TimestampMS int64

	SenderAddr    string // Meet
	SenderBusAddr string // Meet

	FailedID string // FailReport, FailoverAuthRequest (the primary being replaced)

	Nodes []gossipNodeSample // Ping, Pong

	CandidateID     string // FailoverAuthRequest, FailoverAuthAck
	CandidateOffset uint64 // FailoverAuthRequest
	ConfigEpoch     uint64 // FailoverAuthRequest, FailoverAuthAck
	VoteGranted     bool   // FailoverAuthAck

	Channel string // Publish
	Payload []byte // Publish

	Tag        string // PurgeTags
	PurgeEpoch uint64 // PurgeTags

	Node *NodeInfo // ConfigUpdate
}

type signedEnvelope struct {
	Payload []byte
	MAC     []byte
}

func signMessage(msg gossipMessage, secret []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(buf.Bytes())
	env := signedEnvelope{Payload: buf.Bytes(), MAC: mac.Sum(nil)}
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(env); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func verifyMessage(data []byte, secret []byte) (gossipMessage, bool) {
	var env signedEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return gossipMessage{}, false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(env.Payload)
	if !hmac.Equal(mac.Sum(nil), env.MAC) {
		return gossipMessage{}, false
	}
	var msg gossipMessage
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&msg); err != nil {
		return gossipMessage{}, false
	}
	return msg, true
}

// maxGossipSample caps the anti-entropy node list attached to each
// Ping/Pong (spec §4.13: "a random sample of roughly 10 known nodes").
const maxGossipSample = 10

// QuorumFencer receives the cluster-quorum fencing decision (spec §4.15),
// implemented by server.State.
type QuorumFencer interface {
	SetClusterQuorumFenced(fenced bool)
}

// election tracks in-flight vote collection for one replica-initiated
// failover attempt (spec §4.14 steps 3-4).
type election struct {
	mu      sync.Mutex
	granted map[string]bool
	needed  int
	done    chan struct{}
	closed  bool
}

func newElection(needed int) *election {
	return &election{granted: make(map[string]bool), needed: needed, done: make(chan struct{})}
}

func (e *election) recordVote(voterID string, granted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !granted {
		return
	}
	e.granted[voterID] = true
	if len(e.granted) >= e.needed {
		e.closed = true
		close(e.done)
	}
}

func (e *election) wonQuorum() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.granted) >= e.needed
}

func electionKey(candidateID string, epoch uint64) string {
	return fmt.Sprintf("%s@%d", candidateID, epoch)
}

// Prober is the background UDP failure detector and gossip bus (spec
// §4.13-4.15): a 1s gossip tick sending PINGs (each carrying an
// anti-entropy node sample) to every known node, a 100ms probe tick
// marking overdue nodes PFAIL, escalating corroborated PFAILs to FAIL via
// a raft Propose, and driving the cluster-quorum fencer; plus carrying
// the replica-initiated failover vote, cluster pub/sub fan-out, and tag-
// purge epoch propagation.
type Prober struct {
	Node        *Node
	Secret      []byte
	NodeTimeout time.Duration
	BusAddr     string

	// FailoverQuorum/QuorumFencer drive spec §4.15's cluster-quorum
	// fencer: writes are rejected once fewer than FailoverQuorum primaries
	// are reachable. Optional; nil/zero disables the check.
	FailoverQuorum int
	QuorumFencer   QuorumFencer

	// CacheEngine/PubSub receive cluster-wide deliveries of PurgeTags and
	// Publish messages respectively. Optional; nil disables that delivery.
	CacheEngine *httpcache.Engine
	PubSub      *pubsub.Manager

	conn *net.UDPConn

	electionsMu sync.Mutex
	elections   map[string]*election
}

const (
	gossipInterval = 1 * time.Second
	probeInterval  = 100 * time.Millisecond
)

// Listen binds the UDP bus address; call before Run.
func (p *Prober) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", p.BusAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	p.conn = conn
	p.elections = make(map[string]*election)
	return nil
}

// Run drives the gossip/probe ticks and the receive loop until shutdown
// fires.
func (p *Prober) Run(shutdown <-chan struct{}) {
	logger := log.WithComponent("cluster-gossip")
	go p.receiveLoop()

	gossipTick := time.NewTicker(gossipInterval)
	probeTick := time.NewTicker(probeInterval)
	defer gossipTick.Stop()
	defer probeTick.Stop()

	for {
		select {
		case <-shutdown:
			_ = p.conn.Close()
			return
		case <-gossipTick.C:
			p.sendPings(logger)
		case <-probeTick.C:
			p.checkTimeouts(logger)
		}
	}
}

func (p *Prober) receiveLoop() {
	buf := make([]byte, 65535)
	for {
		n, src, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return // conn closed on shutdown
		}
		msg, ok := verifyMessage(buf[:n], p.Secret)
		if !ok {
			continue
		}
		p.handleMessage(msg, src)
	}
}

func (p *Prober) handleMessage(msg gossipMessage, src *net.UDPAddr) {
	// Messages older than 2x node_timeout are dropped (spec §4.13):
	// stale gossip about a since-recovered or since-failed node would
	// otherwise corrupt the anti-entropy/failure-detector state it feeds.
	if p.NodeTimeout > 0 {
		age := time.Since(time.UnixMilli(msg.TimestampMS))
		if age > 2*p.NodeTimeout {
			return
		}
	}
	p.learnSample(msg.Nodes)

	switch msg.Kind {
	case kindMeet:
		p.Node.State.LearnNode(msg.SenderID, msg.SenderAddr, msg.SenderBusAddr)
		reply := gossipMessage{Kind: kindPong, SenderID: p.Node.State.MyID, TimestampMS: nowMillis(), Nodes: p.nodeSample()}
		p.sendTo(reply, src)
	case kindPing:
		reply := gossipMessage{Kind: kindPong, SenderID: p.Node.State.MyID, TimestampMS: nowMillis(), Nodes: p.nodeSample()}
		p.sendTo(reply, src)
	case kindPong:
		p.Node.State.MarkPongReceived(msg.SenderID, time.Now())
	case kindFailReport:
		if p.Node.State.RecordPFailReport(msg.FailedID, msg.SenderID, time.Now()) && p.Node.IsLeader() {
			_ = p.Node.Propose(OpMarkFail, markFailPayload{NodeID: msg.FailedID}, 2*time.Second)
		}
	case kindFailoverAuthRequest:
		granted := p.considerVote(msg)
		ack := gossipMessage{
			Kind:        kindFailoverAuthAck,
			SenderID:    p.Node.State.MyID,
			TimestampMS: nowMillis(),
			CandidateID: msg.CandidateID,
			ConfigEpoch: msg.ConfigEpoch,
			VoteGranted: granted,
		}
		p.sendTo(ack, src)
	case kindFailoverAuthAck:
		key := electionKey(msg.CandidateID, msg.ConfigEpoch)
		p.electionsMu.Lock()
		el := p.elections[key]
		p.electionsMu.Unlock()
		if el != nil {
			el.recordVote(msg.SenderID, msg.VoteGranted)
		}
	case kindPublish:
		if p.PubSub != nil {
			p.PubSub.DeliverLocal(msg.Channel, msg.Payload)
		}
	case kindPurgeTags:
		if p.CacheEngine != nil {
			p.CacheEngine.BumpTagEpoch(msg.Tag, msg.PurgeEpoch)
		}
	case kindConfigUpdate:
		if msg.Node == nil {
			return
		}
		if p.Node.IsLeader() {
			_ = p.Node.Propose(OpUpsertNode, *msg.Node, 2*time.Second)
		} else {
			p.Node.State.LearnNode(msg.Node.ID, msg.Node.Addr, msg.Node.BusAddr)
		}
	}
}

// considerVote decides whether to grant a FailoverAuthRequest vote (spec
// §4.14 step 3): only a live, non-FAILed primary may vote, it must agree
// the named primary is actually FAILed, and it must not have already
// voted in this config epoch.
func (p *Prober) considerVote(msg gossipMessage) bool {
	self, ok := p.Node.State.Node(p.Node.State.MyID)
	if !ok || !self.Flags.Has(FlagPrimary) || self.Flags.Has(FlagFail) {
		return false
	}
	failed, ok := p.Node.State.Node(msg.FailedID)
	if !ok || !failed.Flags.Has(FlagFail) {
		return false
	}
	return p.Node.State.TryVote(msg.ConfigEpoch)
}

func (p *Prober) learnSample(sample []gossipNodeSample) {
	for _, n := range sample {
		if n.ID == "" || n.ID == p.Node.State.MyID {
			continue
		}
		p.Node.State.LearnNode(n.ID, n.Addr, n.BusAddr)
	}
}

// nodeSample returns a random sample of up to maxGossipSample known nodes
// (excluding self), the anti-entropy payload attached to every Ping/Pong
// (spec §4.13).
func (p *Prober) nodeSample() []gossipNodeSample {
	all := p.Node.State.AllNodes()
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	out := make([]gossipNodeSample, 0, maxGossipSample)
	for _, info := range all {
		if info.ID == p.Node.State.MyID {
			continue
		}
		out = append(out, gossipNodeSample{ID: info.ID, Addr: info.Addr, BusAddr: info.BusAddr, Flags: info.Flags})
		if len(out) == maxGossipSample {
			break
		}
	}
	return out
}

func (p *Prober) sendTo(msg gossipMessage, addr *net.UDPAddr) {
	data, err := signMessage(msg, p.Secret)
	if err != nil {
		return
	}
	_, _ = p.conn.WriteToUDP(data, addr)
}

func (p *Prober) sendToNode(msg gossipMessage, n NodeInfo) {
	addr, err := net.ResolveUDPAddr("udp", n.BusAddr)
	if err != nil {
		return
	}
	p.sendTo(msg, addr)
}

// broadcast sends msg to every known node except self.
func (p *Prober) broadcast(msg gossipMessage) {
	for _, n := range p.Node.State.AllNodes() {
		if n.ID == p.Node.State.MyID {
			continue
		}
		p.sendToNode(msg, n)
	}
}

// BroadcastPurgeTag gossips a cluster tag-purge (spec §4.5 "Tag purge:
// Cluster"): every reachable peer bumps its own epoch map on receipt,
// without waiting for the raft log (tag purges are a best-effort,
// eventually-consistent lazy-delete signal, not a cluster fact).
func (p *Prober) BroadcastPurgeTag(tag string, epoch uint64) {
	p.broadcast(gossipMessage{
		Kind:        kindPurgeTags,
		SenderID:    p.Node.State.MyID,
		TimestampMS: nowMillis(),
		Tag:         tag,
		PurgeEpoch:  epoch,
	})
}

// BroadcastPublish gossips a PUBLISH to every cluster node (spec §4.13's
// Publish message), so a channel subscriber connected to any node in the
// cluster receives messages published on any other node.
func (p *Prober) BroadcastPublish(channel string, payload []byte) {
	p.broadcast(gossipMessage{
		Kind:        kindPublish,
		SenderID:    p.Node.State.MyID,
		TimestampMS: nowMillis(),
		Channel:     channel,
		Payload:     payload,
	})
}

// broadcastFailoverAuthRequest requests votes from every known node for a
// replica's candidacy (spec §4.14 step 3).
func (p *Prober) broadcastFailoverAuthRequest(candidateID, failedPrimaryID string, offset, epoch uint64) {
	p.broadcast(gossipMessage{
		Kind:            kindFailoverAuthRequest,
		SenderID:        p.Node.State.MyID,
		TimestampMS:     nowMillis(),
		FailedID:        failedPrimaryID,
		CandidateID:     candidateID,
		CandidateOffset: offset,
		ConfigEpoch:     epoch,
	})
}

// startElection registers a vote tally for a candidacy so handleMessage
// can route incoming Acks to it; endElection tears it down once decided.
func (p *Prober) startElection(candidateID string, epoch uint64, needed int) *election {
	el := newElection(needed)
	p.electionsMu.Lock()
	p.elections[electionKey(candidateID, epoch)] = el
	p.electionsMu.Unlock()
	return el
}

func (p *Prober) endElection(candidateID string, epoch uint64) {
	p.electionsMu.Lock()
	delete(p.elections, electionKey(candidateID, epoch))
	p.electionsMu.Unlock()
}

func (p *Prober) sendPings(logger zerolog.Logger) {
	p.Node.State.MarkPingSent(p.Node.State.MyID, time.Now())
	sample := p.nodeSample()
	for _, n := range p.Node.State.AllNodes() {
		if n.ID == p.Node.State.MyID || n.Flags.Has(FlagHandshake) {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", n.BusAddr)
		if err != nil {
			continue
		}
		ping := gossipMessage{Kind: kindPing, SenderID: p.Node.State.MyID, TimestampMS: nowMillis(), Nodes: sample}
		data, err := signMessage(ping, p.Secret)
		if err != nil {
			continue
		}
		if _, err := p.conn.WriteToUDP(data, addr); err != nil {
			logger.Warn().Err(err).Str("addr", n.BusAddr).Msg("failed to send gossip PING")
			continue
		}
		p.Node.State.MarkPingSent(n.ID, time.Now())
	}
}

func (p *Prober) checkTimeouts(logger zerolog.Logger) {
	p.Node.State.CleanStalePFailReports(p.NodeTimeout, time.Now())
	newlyPFail := p.Node.State.CheckTimeouts(p.NodeTimeout, time.Now())
	for _, id := range newlyPFail {
		logger.Info().Str("node", id).Msg("marking node PFAIL: no PONG received within node timeout")
		report := gossipMessage{Kind: kindFailReport, SenderID: p.Node.State.MyID, FailedID: id, TimestampMS: nowMillis()}
		data, err := signMessage(report, p.Secret)
		if err != nil {
			continue
		}
		for _, n := range p.Node.State.AllNodes() {
			if n.ID == p.Node.State.MyID || n.ID == id {
				continue
			}
			if addr, err := net.ResolveUDPAddr("udp", n.BusAddr); err == nil {
				_, _ = p.conn.WriteToUDP(data, addr)
			}
		}
		if p.Node.State.RecordPFailReport(id, p.Node.State.MyID, time.Now()) && p.Node.IsLeader() {
			_ = p.Node.Propose(OpMarkFail, markFailPayload{NodeID: id}, 2*time.Second)
		}
	}

	// Cluster-quorum fencer (spec §4.15): must react within this single
	// probe tick, so it counts this node's own up-to-the-tick PFAIL view
	// (CountReachablePrimaries) rather than waiting for FAIL's
	// majority-corroboration, which can take several rounds.
	if p.QuorumFencer != nil && p.FailoverQuorum > 0 {
		reachable := p.Node.State.CountReachablePrimaries()
		p.QuorumFencer.SetClusterQuorumFenced(reachable < p.FailoverQuorum)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
