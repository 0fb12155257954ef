// Package metrics defines the Prometheus instruments SpinelDB maintains
// for shard, cache, persistence, replication and cluster subsystems. The
// HTTP exposition endpoint is an external collaborator (spec §1); this
// package only owns the instruments themselves.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Shard store / eviction.
	KeysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "spineldb_keys_total", Help: "Number of live keys per logical database"},
		[]string{"db"},
	)
	MemoryUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "spineldb_memory_used_bytes", Help: "Approximate total in-memory footprint across all shards"},
	)
	EvictedKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spineldb_evicted_keys_total", Help: "Keys evicted, by policy"},
		[]string{"policy"},
	)
	ExpiredKeysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "spineldb_expired_keys_total", Help: "Keys removed by the TTL sweeper or lazy expiry"},
	)

	// Command executor / transactions.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spineldb_commands_total", Help: "Commands processed, by outcome"},
		[]string{"outcome"},
	)
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spineldb_transactions_total", Help: "MULTI/EXEC transactions, by result"},
		[]string{"result"},
	)

	// HTTP cache engine.
	CacheHitsTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_cache_hits_total", Help: "Cache lookups served fresh or stale-within-SWR"})
	CacheMissesTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_cache_misses_total", Help: "Cache lookups that required an origin fetch"})
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_cache_evictions_total", Help: "HTTP cache entries evicted by the eviction engine"})
	OriginFetchesTotal  = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spineldb_cache_origin_fetches_total", Help: "Origin HTTP requests issued, by result"},
		[]string{"result"},
	)
	CachePurgeTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_cache_purge_keys_total", Help: "Keys deleted by CACHE.PURGETAG"})

	// On-disk cache store.
	CacheDiskBytes    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "spineldb_cache_disk_bytes", Help: "Total bytes committed in the on-disk cache store"})
	CacheGCRunsTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_cache_gc_runs_total", Help: "On-disk cache GC passes executed"})
	CacheGCFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_cache_gc_files_removed_total", Help: "Files removed by the on-disk cache GC"})

	// Persistence.
	AOFWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_aof_writes_total", Help: "Unit-of-work frames appended to the AOF"})
	AOFFsyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_aof_fsyncs_total", Help: "fsync(2) calls issued by the AOF writer"})
	AOFRewritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spineldb_aof_rewrites_total", Help: "AOF rewrites, by result"},
		[]string{"result"},
	)
	SnapshotSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spineldb_snapshot_saves_total", Help: "Snapshot save attempts, by result"},
		[]string{"result"},
	)

	// Replication.
	ReplicationOffset = prometheus.NewGauge(prometheus.GaugeOpts{Name: "spineldb_replication_offset", Help: "Primary's current global replication offset"})
	ReplicasOnline    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "spineldb_replicas_online", Help: "Replicas currently in the Online sync state"})
	FullResyncsTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_full_resyncs_total", Help: "Full resyncs served to replicas"})
	PartialResyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_partial_resyncs_total", Help: "Partial resyncs served to replicas"})

	// Cluster.
	ClusterNodesKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "spineldb_cluster_nodes", Help: "Known cluster nodes, by flag state"},
		[]string{"state"},
	)
	FailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "spineldb_cluster_failovers_total", Help: "Replica-initiated failovers that completed promotion"})
	QuorumFencedGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "spineldb_quorum_fenced", Help: "1 if this node is currently self-fenced read-only due to quorum loss"})
)

// Registry bundles every SpinelDB instrument into a fresh, isolated
// prometheus.Registry suitable for tests or for a single server instance
// (the teacher uses the global DefaultRegisterer; SpinelDB instead builds
// one per ServerState so multiple servers can coexist in one test binary).
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		KeysTotal, MemoryUsedBytes, EvictedKeysTotal, ExpiredKeysTotal,
		CommandsTotal, TransactionsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheEvictionsTotal, OriginFetchesTotal, CachePurgeTotal,
		CacheDiskBytes, CacheGCRunsTotal, CacheGCFilesTotal,
		AOFWritesTotal, AOFFsyncsTotal, AOFRewritesTotal, SnapshotSavesTotal,
		ReplicationOffset, ReplicasOnline, FullResyncsTotal, PartialResyncsTotal,
		ClusterNodesKnown, FailoversTotal, QuorumFencedGauge,
	)
	return r
}
