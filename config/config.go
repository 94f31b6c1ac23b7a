// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, immutable, must match across all nodes.
//   - Node settings: runtime configuration, can vary per node.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// DBSyncMode controls how aggressively the storage layer flushes to
// disk, trading durability for write throughput.
type DBSyncMode string

const (
	DBSyncOn   DBSyncMode = "on"
	DBSyncFull DBSyncMode = "full"
	DBSyncOff  DBSyncMode = "off"
	DBSyncAuto DBSyncMode = "auto"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// FullNodeConfig holds node-specific runtime configuration. These
// settings can vary between nodes without breaking consensus.
type FullNodeConfig struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	P2P          P2PConfig
	Mempool      MempoolConfig
	Sync         SyncConfig
	Subscription SubscriptionConfig
	Storage      StorageConfig
	Log          LogConfig

	// ReservedCores is left free for the consensus hot path; everything
	// else (script evaluation, aggregate signature checks, weight-proof
	// verification) is offloaded to internal/workerpool sized around it.
	ReservedCores int `conf:"reserved_cores"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled                 bool          `conf:"p2p.enabled"`
	ListenAddr              string        `conf:"p2p.listen"`
	Port                    int           `conf:"p2p.port"`
	Seeds                   []string      `conf:"p2p.seeds"`
	TargetPeerCount         int           `conf:"p2p.target_peer_count"`
	TargetOutboundPeerCount int           `conf:"p2p.target_outbound_peer_count"`
	PeerConnectTimeout      time.Duration `conf:"p2p.peer_connect_timeout"`
	NoDiscover              bool          `conf:"p2p.nodiscover"`
	DHTServer               bool          `conf:"p2p.dhtserver"`
	EnableUPnP              bool          `conf:"p2p.enable_upnp"`
	MaxDuplicateUnfinished  int           `conf:"p2p.max_duplicate_unfinished_blocks"`
	ClearBans               bool          // not persisted in a config file
}

// MempoolConfig holds mempool sizing and policy settings.
type MempoolConfig struct {
	CapacityBlocks int     `conf:"mempool.capacity_blocks"` // capacity as a multiple of the block cost limit
	RBFMargin      float64 `conf:"mempool.rbf_margin"`      // required fee-rate improvement for replace-by-fee
}

// SyncConfig mirrors internal/sync.Config's tunables as loaded
// configuration rather than package-local defaults.
type SyncConfig struct {
	ShortSyncBlocksBehindThreshold uint64        `conf:"sync.short_sync_blocks_behind_threshold"`
	SyncBlocksBehindThreshold      uint64        `conf:"sync.sync_blocks_behind_threshold"`
	MaxSyncWait                    time.Duration `conf:"sync.max_sync_wait"`
	WeightProofTimeout             time.Duration `conf:"sync.weight_proof_timeout"`
	BatchSize                      uint32        `conf:"sync.batch_size"`
	LongSyncBatchSize              uint32        `conf:"sync.long_sync_batch_size"`
	SendUncompactInterval          time.Duration `conf:"sync.send_uncompact_interval"`
	TargetUncompactProofs          int           `conf:"sync.target_uncompact_proofs"`
}

// SubscriptionConfig mirrors internal/subscription.Config's tunables.
type SubscriptionConfig struct {
	MaxSubscribeItems         int `conf:"subscription.max_subscribe_items"`
	TrustedMaxSubscribeItems  int `conf:"subscription.trusted_max_subscribe_items"`
	MaxSubscribeResponseItems int `conf:"subscription.max_subscribe_response_items"`
}

// StorageConfig controls the badger-backed storage engine's durability
// and read concurrency tradeoffs.
type StorageConfig struct {
	DBSync    DBSyncMode `conf:"storage.db_sync"`
	DBReaders int        `conf:"storage.db_readers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet
//	macOS:   ~/Library/Application Support/Klingnet
//	Windows: %APPDATA%\Klingnet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingnet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingnet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingnet")
	default:
		return filepath.Join(home, ".klingnet")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *FullNodeConfig) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blockchain store's data directory.
func (c *FullNodeConfig) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "chain")
}

// SubscriptionDir returns the coin-subscription index's data directory.
func (c *FullNodeConfig) SubscriptionDir() string {
	return filepath.Join(c.ChainDataDir(), "subscription")
}

// PeerStoreDir returns the peer address database's data directory.
func (c *FullNodeConfig) PeerStoreDir() string {
	return filepath.Join(c.ChainDataDir(), "peers")
}

// LogsDir returns the logs directory.
func (c *FullNodeConfig) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *FullNodeConfig) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet.conf")
}
