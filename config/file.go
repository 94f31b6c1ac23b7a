package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a FullNodeConfig.
func ApplyFileConfig(cfg *FullNodeConfig, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *FullNodeConfig, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value
	case "reserved_cores":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.ReservedCores = n

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = port
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.target_peer_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.TargetPeerCount = n
	case "p2p.target_outbound_peer_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.TargetOutboundPeerCount = n
	case "p2p.peer_connect_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.P2P.PeerConnectTimeout = d
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)
	case "p2p.enable_upnp":
		cfg.P2P.EnableUPnP = parseBool(value)
	case "p2p.max_duplicate_unfinished_blocks":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxDuplicateUnfinished = n

	// Mempool
	case "mempool.capacity_blocks":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.CapacityBlocks = n
	case "mempool.rbf_margin":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		cfg.Mempool.RBFMargin = f

	// Sync
	case "sync.short_sync_blocks_behind_threshold":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Sync.ShortSyncBlocksBehindThreshold = n
	case "sync.sync_blocks_behind_threshold":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Sync.SyncBlocksBehindThreshold = n
	case "sync.max_sync_wait":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Sync.MaxSyncWait = d
	case "sync.weight_proof_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Sync.WeightProofTimeout = d
	case "sync.batch_size":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Sync.BatchSize = uint32(n)
	case "sync.long_sync_batch_size":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Sync.LongSyncBatchSize = uint32(n)
	case "sync.send_uncompact_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Sync.SendUncompactInterval = d
	case "sync.target_uncompact_proofs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Sync.TargetUncompactProofs = n

	// Subscription
	case "subscription.max_subscribe_items":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Subscription.MaxSubscribeItems = n
	case "subscription.trusted_max_subscribe_items":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Subscription.TrustedMaxSubscribeItems = n
	case "subscription.max_subscribe_response_items":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Subscription.MaxSubscribeResponseItems = n

	// Storage
	case "storage.db_sync":
		cfg.Storage.DBSync = DBSyncMode(value)
	case "storage.db_readers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Storage.DBReaders = n

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet full node configuration
#
# This file contains NODE settings only.
# Protocol rules (difficulty schedule, epoch length, genesis
# allocations) are hardcoded in network constants and cannot be
# changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet)
# datadir = ~/.klingnet

# Cores left unreserved for the consensus hot path; verification work
# is offloaded to a worker pool sized around this.
# reserved_cores = 1

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + strconv.Itoa(defaultPort(network)) + `
p2p.target_peer_count = 40
p2p.target_outbound_peer_count = 8
p2p.peer_connect_timeout = 30s
p2p.enable_upnp = true
p2p.max_duplicate_unfinished_blocks = 3

# Seed nodes (comma-separated multiaddrs)
# p2p.seeds = /dns4/seed1.klingnet.io/tcp/8444/p2p/12D3KooW...

# Disable peer discovery (for private networks)
# p2p.nodiscover = false

# Run DHT in server mode (for seed nodes)
# p2p.dhtserver = false

# ============================================================================
# Mempool
# ============================================================================

mempool.capacity_blocks = 10
mempool.rbf_margin = 0.10

# ============================================================================
# Sync
# ============================================================================

sync.short_sync_blocks_behind_threshold = 20
sync.sync_blocks_behind_threshold = 200
sync.max_sync_wait = 30s
sync.weight_proof_timeout = 60s
sync.batch_size = 32
sync.long_sync_batch_size = 64
sync.send_uncompact_interval = 5m
sync.target_uncompact_proofs = 10

# ============================================================================
# Coin-state subscriptions
# ============================================================================

subscription.max_subscribe_items = 200000
subscription.trusted_max_subscribe_items = 2000000
subscription.max_subscribe_response_items = 100000

# ============================================================================
# Storage
# ============================================================================

storage.db_sync = auto
storage.db_readers = 16

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
