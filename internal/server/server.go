package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spineldb/spineldb/internal/aof"
	"github.com/spineldb/spineldb/internal/cachestore"
	"github.com/spineldb/spineldb/internal/cluster"
	"github.com/spineldb/spineldb/internal/config"
	"github.com/spineldb/spineldb/internal/eventbus"
	"github.com/spineldb/spineldb/internal/eviction"
	"github.com/spineldb/spineldb/internal/executor"
	"github.com/spineldb/spineldb/internal/httpcache"
	"github.com/spineldb/spineldb/internal/latency"
	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/metrics"
	"github.com/spineldb/spineldb/internal/pubsub"
	"github.com/spineldb/spineldb/internal/replication"
	"github.com/spineldb/spineldb/internal/snapshot"
	"github.com/spineldb/spineldb/internal/storage"
	"github.com/spineldb/spineldb/internal/txn"
	"github.com/spineldb/spineldb/internal/wire"
)

// Codec bundles the wire.Encoder/Decoder pair a running server needs to
// persist or replicate commands. The codec itself (RESP framing and
// command parsing) is an out-of-scope collaborator (spec §1); Server
// accepts it as an optional dependency and simply disables AOF and
// replication, with a log message, when none is supplied — a server
// running in pure in-memory/standalone mode is still fully functional.
type Codec struct {
	Encoder wire.Encoder
	Decoder wire.Decoder
}

// Server wires every collaborator package into one running process, the
// way the teacher's cmd/warren commands construct a manager/worker and
// start its background tasks (spec §1, §4, §7). It stops at the wire
// codec seam: nothing here accepts a network connection or parses a
// command off the wire.
type Server struct {
	ConfigStore *config.Store
	Databases   []*storage.Database
	State       *State
	Bus         *eventbus.Bus
	Pipeline    *executor.Pipeline
	Executor    *executor.Executor
	Txns        []*txn.Manager
	Latency     *latency.Monitor
	Metrics     *prometheus.Registry

	evictionEngine *eviction.Engine
	evictionTask   *eviction.Task
	ttlSweeper     *eviction.TTLSweeper

	AOFWriter   *aof.Writer
	aofRewriter *aof.Rewriter
	aofCh       <-chan eventbus.UnitOfWork
	fsyncTicker *time.Ticker

	ReplicationBacklog *replication.Backlog
	ReplicationPrimary *replication.Primary
	replicationWorker  *replication.Worker
	replicationAddr    string

	ClusterNode     *cluster.Node
	clusterBindAddr string
	clusterSelfInfo cluster.NodeInfo
	gossip          *cluster.Prober
	failover        *cluster.FailoverMonitor

	CacheEngine *httpcache.Engine
	cacheStore  *cachestore.Store
	cacheGC     *cachestore.GC
	cacheEvict  *cachestore.Eviction
	revalidator *httpcache.Revalidator

	PubSub    *pubsub.Manager
	pubsubGC  *pubsub.Purger

	lazyFree chan *storage.StoredValue

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// availableSystemMemory resolves the denominator for a percentage-style
// maxmemory config entry (e.g. "50%"). No example repo in the corpus
// introspects host memory (the teacher's nodes report capacity from
// containerd's cgroup view, which has no analogue here), so this returns
// 0 — a percentage maxmemory setting resolves to "unbounded" until an
// operator supplies an absolute value, which is documented in DESIGN.md
// as an accepted simplification rather than a silent miscalculation.
func availableSystemMemory() uint64 { return 0 }

// NewServer builds the full object graph described by store's
// configuration: databases, the command pipeline, persistence,
// replication, cluster coordination, the HTTP cache engine, and pub/sub.
// Nothing is started yet; call Start to launch the background tasks.
func NewServer(store *config.Store, codec *Codec) (*Server, error) {
	cfg := store.Get()
	logger := log.WithComponent("server")

	lazyFree := make(chan *storage.StoredValue, 1024)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		ConfigStore: store,
		lazyFree:    lazyFree,
		ctx:         ctx,
		cancel:      cancel,
		shutdown:    make(chan struct{}),
		Latency:     latency.NewMonitor(1000),
		Metrics:     metrics.NewRegistry(),
		PubSub:      pubsub.New(),
	}
	s.pubsubGC = pubsub.NewPurger(s.PubSub)

	numDBs := cfg.Databases
	if numDBs <= 0 {
		numDBs = 1
	}
	s.Databases = make([]*storage.Database, numDBs)
	for i := range s.Databases {
		s.Databases[i] = storage.NewDatabase(i, storage.DefaultNumShards, lazyFree)
	}

	maxMemoryBytes, err := config.ParseMaxMemory(cfg.MaxMemory, availableSystemMemory())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server: %w", err)
	}
	s.State = NewState(s.Databases, maxMemoryBytes)
	s.State.SetReplicaMode(cfg.Replication.Role == config.RoleReplica)

	// Cluster coordination, built before the pipeline so ClusterRedirect
	// can be wired against it.
	var clusterRedirect executor.ClusterRedirector = StandaloneRedirect{}
	if cfg.Cluster.Enabled {
		if err := s.setupCluster(cfg); err != nil {
			cancel()
			return nil, err
		}
		clusterRedirect = &ClusterRedirect{State: s.ClusterNode.State, MyID: s.ClusterNode.State.MyID}
	}

	s.Pipeline = &executor.Pipeline{
		Cluster: clusterRedirect,
		ACL:     AllowAllACL{},
		State:   s.State,
		Safety: executor.SafetyLimits{
			MaxCollectionScanKeys: cfg.Safety.MaxCollectionScanKeys,
			MaxSetOperationKeys:   cfg.Safety.MaxSetOperationKeys,
			MaxBitopAllocSize:     cfg.Safety.MaxBitopAllocSize,
		},
	}

	aofEnabled := codec != nil && cfg.Persistence.AOFEnabled
	bus, aofCh := eventbus.New(aofEnabled, s.State)
	s.Bus = bus
	s.aofCh = aofCh

	s.evictionEngine = eviction.New()
	s.Executor = executor.NewExecutor(s.Pipeline, s.evictionEngine, s.Databases, store, s.Bus, s.State, maxMemoryBytes)
	s.evictionTask = &eviction.Task{Databases: s.Databases, Store: store, Engine: s.evictionEngine, MaxMemory: maxMemoryBytes}
	s.ttlSweeper = &eviction.TTLSweeper{Databases: s.Databases}

	s.Txns = make([]*txn.Manager, len(s.Databases))
	for i, db := range s.Databases {
		s.Txns[i] = txn.NewManager(db, s.Pipeline, s.Bus)
	}

	if cfg.Persistence.SnapshotEnabled {
		if err := snapshot.Load(cfg.Persistence.SnapshotPath, s.Databases); err != nil {
			cancel()
			return nil, fmt.Errorf("server: loading snapshot: %w", err)
		}
	}

	if codec != nil {
		if err := s.setupPersistence(cfg, codec); err != nil {
			cancel()
			return nil, err
		}
		if err := s.setupReplication(cfg, codec); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if cfg.Persistence.AOFEnabled {
			logger.Warn().Msg("AOF enabled in config but no wire codec supplied; running without an append log")
		}
	}

	if err := s.setupHTTPCache(cfg); err != nil {
		cancel()
		return nil, err
	}
	if s.gossip != nil {
		s.gossip.CacheEngine = s.CacheEngine
	}

	return s, nil
}

func (s *Server) setupPersistence(cfg config.Config, codec *Codec) error {
	loader := &aof.Loader{Decoder: codec.Decoder}
	if err := loader.Load(cfg.Persistence.AOFPath, s.Databases); err != nil {
		return fmt.Errorf("server: loading AOF: %w", err)
	}

	writer, err := aof.Open(cfg.Persistence.AOFPath, s.ConfigStore, s.State, codec.Encoder, s.Latency)
	if err != nil {
		return fmt.Errorf("server: opening AOF: %w", err)
	}
	s.AOFWriter = writer
	s.aofRewriter = &aof.Rewriter{Writer: writer, Snapshot: aofSnapshotAdapter{}, Dbs: s.Databases}

	if cfg.Persistence.AppendFsync == config.FsyncEverySec {
		s.fsyncTicker = time.NewTicker(time.Second)
	}
	return nil
}

// aofSnapshotAdapter implements aof.SnapshotWriter atop the codec-free
// snapshot package.
type aofSnapshotAdapter struct{}

func (aofSnapshotAdapter) WriteDatabases(w io.Writer, dbs []*storage.Database) error {
	return snapshot.WriteDatabases(w, dbs)
}

func (s *Server) setupReplication(cfg config.Config, codec *Codec) error {
	s.ReplicationBacklog = replication.NewBacklog(0)
	s.ReplicationPrimary = replication.NewPrimary(s.Bus, s.ReplicationBacklog, s.Databases, codec.Encoder)

	if cfg.Replication.Role != config.RoleReplica {
		return nil
	}
	if cfg.Replication.PrimaryHost == "" {
		return nil
	}

	poisonedPath := filepath.Join(filepath.Dir(cfg.Persistence.AOFPath), "poisoned_masters.json")
	poisoned, err := replication.LoadPoisonedMasters(poisonedPath)
	if err != nil {
		return fmt.Errorf("server: loading poisoned masters: %w", err)
	}

	s.replicationWorker = &replication.Worker{
		Dial:        net.Dial,
		Decoder:     codec.Decoder,
		Encoder:     codec.Encoder,
		Dbs:         s.Databases,
		Poisoned:    poisoned,
		Reconfigure: replication.NewReconfigureSignal(),
	}
	s.replicationAddr = fmt.Sprintf("%s:%d", cfg.Replication.PrimaryHost, cfg.Replication.PrimaryPort)
	return nil
}

func (s *Server) setupCluster(cfg config.Config) error {
	nodeID := uuid.New().String()
	bindAddr := fmt.Sprintf("%s:%d", cfg.Cluster.AnnounceIP, cfg.Cluster.AnnouncePort)
	if cfg.Cluster.AnnounceIP == "" {
		bindAddr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Cluster.AnnouncePort)
	}
	dataDir := filepath.Join(filepath.Dir(cfg.Cluster.ConfigFile), "raft", nodeID)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("server: creating raft data dir: %w", err)
	}

	node, err := cluster.NewNode(nodeID, bindAddr, dataDir)
	if err != nil {
		return fmt.Errorf("server: starting cluster node: %w", err)
	}
	s.ClusterNode = node
	s.clusterBindAddr = bindAddr

	busPort := int(cfg.Cluster.AnnouncePort) + int(cfg.Cluster.BusPortOffset)
	busAddr := fmt.Sprintf("%s:%d", cfg.Host, busPort)

	roleFlags := cluster.FlagMyself | cluster.FlagPrimary
	if cfg.Replication.Role == config.RoleReplica {
		roleFlags = cluster.FlagMyself | cluster.FlagReplica
	}
	s.clusterSelfInfo = cluster.NodeInfo{
		ID:      nodeID,
		Addr:    bindAddr,
		BusAddr: busAddr,
		Flags:   roleFlags,
	}

	s.gossip = &cluster.Prober{
		Node:           node,
		Secret:         []byte(cfg.Cluster.AuthPassword),
		NodeTimeout:    time.Duration(cfg.Cluster.NodeTimeoutMs) * time.Millisecond,
		BusAddr:        busAddr,
		FailoverQuorum: cfg.Cluster.FailoverQuorum,
		QuorumFencer:   s.State,
		PubSub:         s.PubSub,
	}
	s.PubSub.SetClusterBroadcast(s.gossip.BroadcastPublish)
	s.failover = &cluster.FailoverMonitor{Node: node, Gossip: s.gossip}
	return nil
}

// replicaQuorumFencerInterval is how often the replica-liveness half of
// spec §4.15's quorum fencer re-evaluates. A primary checks its own
// ReplicationPrimary.OnlineCount() against replication.min_replicas_to_
// write; a sustained shortfall (not a single missed ack) lasting longer
// than replica_quorum_timeout_secs forces the primary read-only until the
// shortfall clears.
const replicaQuorumFencerInterval = time.Second

// runReplicaQuorumFencer implements the second of spec §4.15's two
// independent self-fencing conditions: a primary that has held fewer than
// min_replicas_to_write acknowledging replicas for longer than
// replica_quorum_timeout_secs refuses writes (-CLUSTERDOWN) until the
// shortfall clears. Reads config fresh every tick since CONFIG SET may
// change these knobs at runtime.
func (s *Server) runReplicaQuorumFencer(shutdown <-chan struct{}) {
	ticker := time.NewTicker(replicaQuorumFencerInterval)
	defer ticker.Stop()

	logger := log.WithComponent("replica-quorum-fencer")
	var shortfallSince time.Time

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			cfg := s.ConfigStore.Get().Replication
			if s.ReplicationPrimary == nil || !cfg.FencingOnReplicaDisconnect || cfg.MinReplicasToWrite <= 0 || cfg.Role != config.RolePrimary {
				shortfallSince = time.Time{}
				s.State.SetReplicaQuorumFenced(false)
				continue
			}

			online := s.ReplicationPrimary.OnlineCount()
			if online >= cfg.MinReplicasToWrite {
				shortfallSince = time.Time{}
				s.State.SetReplicaQuorumFenced(false)
				continue
			}

			if shortfallSince.IsZero() {
				shortfallSince = time.Now()
			}
			if time.Since(shortfallSince) >= time.Duration(cfg.ReplicaQuorumTimeoutSeconds)*time.Second {
				logger.Warn().Int("online_replicas", online).Int("required", cfg.MinReplicasToWrite).
					Msg("replica quorum lost, fencing writes")
				s.State.SetReplicaQuorumFenced(true)
			}
		}
	}
}

func (s *Server) setupHTTPCache(cfg config.Config) error {
	store, err := cachestore.NewStore(cfg.Cache.OnDiskPath, int64(cfg.Cache.StreamingThresholdBytes))
	if err != nil {
		return fmt.Errorf("server: opening cache store: %w", err)
	}
	s.cacheStore = store
	s.CacheEngine = httpcache.NewEngine(cfg.Cache, cfg.Security, nil, store)
	s.cacheGC = cachestore.NewGC(store)
	s.cacheEvict = cachestore.NewEviction(store, cfg.Cache.MaxDiskSize)

	revalCfg := httpcache.DefaultRevalidatorConfig()
	sampler := &CacheSampler{Databases: s.Databases, Config: revalCfg, Now: time.Now}
	s.revalidator = httpcache.NewRevalidator(revalCfg, sampler, s.revalidateJob)
	return nil
}

// revalidateJob fetches a sampled candidate's origin and writes the
// refreshed variant back under its owning shard's lock (spec §4.5
// "Revalidator task" driving the same fetch/apply path as a synchronous
// CACHE.GET revalidation).
func (s *Server) revalidateJob(job httpcache.PrewarmCandidate) {
	logger := log.WithComponent("cache-revalidator")
	if job.DBIndex < 0 || job.DBIndex >= len(s.Databases) {
		return
	}
	result, err := s.CacheEngine.FetchFromOrigin(job.Key, job.RevalidateURL, nil)
	if err != nil {
		logger.Warn().Err(err).Str("key", job.Key).Msg("prewarm revalidation failed")
		return
	}

	db := s.Databases[job.DBIndex]
	shard := db.ShardFor(job.Key)
	v, ok := shard.GetMut(job.Key, time.Now())
	if !ok || v.Kind != storage.KindHTTPCache {
		return
	}
	s.CacheEngine.ApplyFetchResult(v, job.VariantHash, result, time.Now())
	shard.Put(job.Key, v, v.Cache.Tags)
}

// Start launches every background task as its own goroutine and returns
// immediately; call Close to shut them down.
func (s *Server) Start() {
	logger := log.WithComponent("server")

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.evictionTask.Run(s.ctx) }()
	go func() { defer s.wg.Done(); s.ttlSweeper.Run(s.ctx) }()
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.shutdown:
				return
			case <-s.lazyFree:
				// Dropping the reference here is the free: the value's
				// backing memory is reclaimed by the regular GC off the
				// hot shard-lock path that removed it.
			}
		}
	}()

	if s.AOFWriter != nil {
		var fsyncTick <-chan time.Time
		if s.fsyncTicker != nil {
			fsyncTick = s.fsyncTicker.C
		}
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.AOFWriter.Run(s.aofCh, fsyncTick, s.shutdown) }()
	}

	if s.replicationWorker != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.replicationWorker.Run(s.ctx, s.replicationAddr, s.shutdown)
		}()
	}

	if s.ClusterNode != nil {
		if err := s.ClusterNode.Bootstrap(s.clusterBindAddr); err != nil {
			logger.Debug().Err(err).Msg("cluster bootstrap skipped (likely already part of a cluster)")
		}
		if err := s.gossip.Listen(); err != nil {
			logger.Error().Err(err).Msg("failed to bind cluster gossip bus address")
		} else {
			s.wg.Add(1)
			go func() { defer s.wg.Done(); s.gossip.Run(s.shutdown) }()
		}
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.failover.Run(s.shutdown) }()

		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.ClusterNode.RegisterSelf(s.clusterSelfInfo, s.shutdown) }()
	}

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.runReplicaQuorumFencer(s.shutdown) }()

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.cacheGC.Run(s.shutdown) }()
	go func() { defer s.wg.Done(); s.cacheEvict.Run(s.shutdown) }()
	go func() { defer s.wg.Done(); s.revalidator.Run(s.shutdown) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.pubsubGC.Run(s.shutdown) }()

	logger.Info().Int("databases", len(s.Databases)).Msg("server started")
}

// Close stops every background task in the teacher's ordered-shutdown
// style (cmd/warren's sched.Stop/recon.Stop/.../mgr.Shutdown sequence),
// waits for them to exit, and releases file handles.
func (s *Server) Close() error {
	logger := log.WithComponent("server")
	s.cancel()
	// AOFWriter.Run's shutdown path drains its channel until closed, so the
	// bus's AOF side must close before signaling shutdown or that drain
	// blocks forever and wg.Wait never returns.
	if s.AOFWriter != nil {
		s.Bus.CloseAOF()
	}
	close(s.shutdown)
	s.wg.Wait()

	if s.fsyncTicker != nil {
		s.fsyncTicker.Stop()
	}
	if s.AOFWriter != nil {
		if err := s.AOFWriter.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing AOF writer")
		}
	}
	if s.cacheStore != nil {
		if err := s.cacheStore.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing cache store")
		}
	}
	if s.ClusterNode != nil {
		if err := s.ClusterNode.Raft.Shutdown().Error(); err != nil {
			logger.Error().Err(err).Msg("error shutting down raft")
		}
	}

	cfg := s.ConfigStore.Get()
	if cfg.Persistence.SnapshotEnabled {
		if err := snapshot.Save(cfg.Persistence.SnapshotPath, s.Databases); err != nil {
			logger.Error().Err(err).Msg("error saving final snapshot")
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
