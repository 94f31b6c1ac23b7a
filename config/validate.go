package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *FullNodeConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.TargetPeerCount <= 0 {
		return fmt.Errorf("p2p.target_peer_count must be positive")
	}
	if cfg.P2P.TargetOutboundPeerCount <= 0 || cfg.P2P.TargetOutboundPeerCount > cfg.P2P.TargetPeerCount {
		return fmt.Errorf("p2p.target_outbound_peer_count must be positive and at most target_peer_count")
	}

	if cfg.Mempool.CapacityBlocks <= 0 {
		return fmt.Errorf("mempool.capacity_blocks must be positive")
	}
	if cfg.Mempool.RBFMargin < 0 {
		return fmt.Errorf("mempool.rbf_margin must not be negative")
	}

	if cfg.Sync.ShortSyncBlocksBehindThreshold == 0 {
		return fmt.Errorf("sync.short_sync_blocks_behind_threshold must be positive")
	}
	if cfg.Sync.SyncBlocksBehindThreshold < cfg.Sync.ShortSyncBlocksBehindThreshold {
		return fmt.Errorf("sync.sync_blocks_behind_threshold must be at least short_sync_blocks_behind_threshold")
	}
	if cfg.Sync.BatchSize == 0 || cfg.Sync.LongSyncBatchSize == 0 {
		return fmt.Errorf("sync batch sizes must be positive")
	}

	if cfg.Subscription.MaxSubscribeItems <= 0 {
		return fmt.Errorf("subscription.max_subscribe_items must be positive")
	}
	if cfg.Subscription.TrustedMaxSubscribeItems < cfg.Subscription.MaxSubscribeItems {
		return fmt.Errorf("subscription.trusted_max_subscribe_items must be at least max_subscribe_items")
	}
	if cfg.Subscription.MaxSubscribeResponseItems <= 0 {
		return fmt.Errorf("subscription.max_subscribe_response_items must be positive")
	}

	if cfg.Storage.DBReaders <= 0 {
		return fmt.Errorf("storage.db_readers must be positive")
	}
	switch cfg.Storage.DBSync {
	case DBSyncOn, DBSyncFull, DBSyncOff, DBSyncAuto:
	default:
		return fmt.Errorf("storage.db_sync must be one of on, full, off, auto")
	}

	if cfg.ReservedCores < 0 {
		return fmt.Errorf("reserved_cores must not be negative")
	}

	return nil
}
