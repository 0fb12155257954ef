// Package config defines SpinelDB's runtime configuration: the struct shape
// consumed by the core (spec §6), YAML decoding of that shape, and a
// mutex-guarded Store so CONFIG SET can mutate it safely at runtime.
//
// Loading the YAML file from a path supplied on the command line is the
// "startup configuration loading" collaborator spec.md §1 calls out of
// scope; this package defines the contract the core depends on.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// EvictionPolicy selects the algorithm the eviction engine samples with.
type EvictionPolicy string

const (
	NoEviction     EvictionPolicy = "no-eviction"
	AllKeysLRU     EvictionPolicy = "allkeys-lru"
	VolatileLRU    EvictionPolicy = "volatile-lru"
	AllKeysRandom  EvictionPolicy = "allkeys-random"
	VolatileRandom EvictionPolicy = "volatile-random"
	VolatileTTL    EvictionPolicy = "volatile-ttl"
	AllKeysLFU     EvictionPolicy = "allkeys-lfu"
	VolatileLFU    EvictionPolicy = "volatile-lfu"
)

// AppendFsync selects how often the AOF writer calls fsync.
type AppendFsync string

const (
	FsyncAlways    AppendFsync = "always"
	FsyncEverySec  AppendFsync = "everysec"
	FsyncNo        AppendFsync = "no"
)

// SaveRule is one entry of a "save after N seconds if M keys changed" rule.
type SaveRule struct {
	Seconds uint64 `yaml:"seconds"`
	Changes uint64 `yaml:"changes"`
}

// PersistenceConfig covers both the append log and the snapshot file.
type PersistenceConfig struct {
	AOFEnabled              bool        `yaml:"aof_enabled"`
	AOFPath                 string      `yaml:"aof_path"`
	AppendFsync             AppendFsync `yaml:"appendfsync"`
	AutoAOFRewritePercent   uint64      `yaml:"auto_aof_rewrite_percentage"`
	AutoAOFRewriteMinSize   uint64      `yaml:"auto_aof_rewrite_min_size"`
	SnapshotEnabled         bool        `yaml:"snapshot_enabled"`
	SnapshotPath            string      `yaml:"snapshot_path"`
	SaveRules               []SaveRule  `yaml:"save_rules"`
}

func defaultPersistence() PersistenceConfig {
	return PersistenceConfig{
		AOFEnabled:            false,
		AOFPath:               "spineldb.aof",
		AppendFsync:           FsyncEverySec,
		AutoAOFRewritePercent: 100,
		AutoAOFRewriteMinSize: 64 * 1024 * 1024,
		SnapshotEnabled:       true,
		SnapshotPath:          "spineldb.spldb",
		SaveRules:             []SaveRule{{Seconds: 900, Changes: 1}, {Seconds: 300, Changes: 10}},
	}
}

// ReplicationRole is either "primary" or "replica".
type ReplicationRole string

const (
	RolePrimary ReplicationRole = "primary"
	RoleReplica ReplicationRole = "replica"
)

// ReplicationConfig covers both primary-side safety knobs and replica-side
// upstream connection info; exactly one side is meaningful depending on Role.
type ReplicationConfig struct {
	Role ReplicationRole `yaml:"role"`

	// Primary-side.
	MinReplicasToWrite          int    `yaml:"min_replicas_to_write"`
	MinReplicasMaxLag           uint64 `yaml:"min_replicas_max_lag"`
	FencingOnReplicaDisconnect  bool   `yaml:"fencing_on_replica_disconnect"`
	ReplicaQuorumTimeoutSeconds uint64 `yaml:"replica_quorum_timeout_secs"`

	// Replica-side.
	PrimaryHost string `yaml:"primary_host"`
	PrimaryPort uint16 `yaml:"primary_port"`
	TLSEnabled  bool   `yaml:"tls_enabled"`
}

func defaultReplication() ReplicationConfig {
	return ReplicationConfig{
		Role:                        RolePrimary,
		MinReplicasMaxLag:           10,
		ReplicaQuorumTimeoutSeconds: 10,
	}
}

// ClusterConfig covers spec §6's cluster.* keys.
type ClusterConfig struct {
	Enabled                bool   `yaml:"enabled"`
	ConfigFile             string `yaml:"config_file"`
	NodeTimeoutMs          uint64 `yaml:"node_timeout"`
	AnnounceIP             string `yaml:"announce_ip"`
	AnnouncePort           uint16 `yaml:"announce_port"`
	AnnounceBusPort        uint16 `yaml:"announce_bus_port"`
	BusPortOffset          uint16 `yaml:"bus_port_offset"`
	FailoverQuorum         int    `yaml:"failover_quorum"`
	ReplicaInitiatedFailover bool `yaml:"replica_initiated_failover"`
	AuthPassword           string `yaml:"auth_password"`
}

func defaultCluster() ClusterConfig {
	return ClusterConfig{
		ConfigFile:               "nodes.conf",
		NodeTimeoutMs:            15000,
		BusPortOffset:            10000,
		FailoverQuorum:           2,
		ReplicaInitiatedFailover: true,
	}
}

// TLSConfig covers spec §6's tls.* keys. TLS handshake itself is an
// out-of-scope collaborator; this struct is just the wiring the core reads.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// SecurityConfig covers spec §6's security.* keys, consumed by the cache
// fetch URL validator.
type SecurityConfig struct {
	AllowedFetchDomains  []string `yaml:"allowed_fetch_domains"`
	AllowPrivateFetchIPs bool     `yaml:"allow_private_fetch_ips"`
}

// CacheConfig covers spec §6's cache.* keys.
type CacheConfig struct {
	StreamingThresholdBytes int    `yaml:"streaming_threshold_bytes"`
	OnDiskPath              string `yaml:"on_disk_path"`
	MaxDiskSize             uint64 `yaml:"max_disk_size"`
	MaxVariantsPerKey       int    `yaml:"max_variants_per_key"`
	NegativeCacheTTLSeconds uint64 `yaml:"negative_cache_ttl_seconds"`
}

func defaultCache() CacheConfig {
	return CacheConfig{
		StreamingThresholdBytes: 1024 * 1024,
		OnDiskPath:              "spineldb_data/cache_files",
		MaxVariantsPerKey:       64,
		NegativeCacheTTLSeconds: 10,
	}
}

// SafetyConfig covers spec §6's safety.* keys — the command-pipeline safety
// guard (spec §4.3 step 5) reads these.
type SafetyConfig struct {
	MaxCollectionScanKeys  int    `yaml:"max_collection_scan_keys"`
	MaxSetOperationKeys    int    `yaml:"max_set_operation_keys"`
	ScriptTimeoutMs        uint64 `yaml:"script_timeout_ms"`
	ScriptMemoryLimitMB    int    `yaml:"script_memory_limit_mb"`
	AutoUnlinkOnDelThreshold int  `yaml:"auto_unlink_on_del_threshold"`
	MaxBitopAllocSize      int    `yaml:"max_bitop_alloc_size"`
}

func defaultSafety() SafetyConfig {
	return SafetyConfig{
		ScriptTimeoutMs:     5000,
		ScriptMemoryLimitMB: 32,
		MaxBitopAllocSize:   128 * 1024 * 1024,
	}
}

// Config is the full runtime configuration the core consumes (spec §6).
type Config struct {
	Host       string `yaml:"host"`
	Port       uint16 `yaml:"port"`
	Password   string `yaml:"password"`
	Databases  int    `yaml:"databases"`
	MaxClients int    `yaml:"max_clients"`

	// MaxMemory accepts a bytes literal; percent-of-system and unit-suffix
	// ("512mb") parsing is performed by ParseMaxMemory, mirroring the
	// original's MaxMemoryConfig::{Bytes,String} union.
	MaxMemory       string         `yaml:"maxmemory"`
	MaxMemoryPolicy EvictionPolicy `yaml:"maxmemory_policy"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Replication ReplicationConfig `yaml:"replication"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	TLS         TLSConfig         `yaml:"tls"`
	Security    SecurityConfig    `yaml:"security"`
	Cache       CacheConfig       `yaml:"cache"`
	Safety      SafetyConfig      `yaml:"safety"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with the same defaults as the
// original's RawConfig field defaults.
func Default() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            6380,
		Databases:       16,
		MaxClients:      10000,
		MaxMemory:       "0",
		MaxMemoryPolicy: NoEviction,
		Persistence:     defaultPersistence(),
		Replication:     defaultReplication(),
		Cluster:         defaultCluster(),
		Cache:           defaultCache(),
		Safety:          defaultSafety(),
		LogLevel:        "info",
	}
}

// Load reads and unmarshals a YAML config file, seeding every unset field
// from Default() first so partial config files behave sensibly.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Store is the mutex-guarded handle to the live configuration, mirroring
// ServerState.config: Arc<Mutex<Config>> in the original. CONFIG SET and
// the failover reconfigure path both go through Get/Update.
type Store struct {
	mu  sync.Mutex
	cfg *Config
}

// NewStore wraps an already-loaded Config for concurrent access.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns a snapshot copy of the current configuration. The copy is
// shallow; slice/map fields are shared and must not be mutated by callers.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cfg
}

// Update applies fn to the live config under the lock. fn must not retain
// the pointer past its own return.
func (s *Store) Update(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.cfg)
}
