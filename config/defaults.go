package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *FullNodeConfig {
	return Default(Mainnet)
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *FullNodeConfig {
	return Default(Testnet)
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *FullNodeConfig {
	return &FullNodeConfig{
		Network:       network,
		DataDir:       DefaultDataDir(),
		ReservedCores: 1,

		P2P: P2PConfig{
			Enabled:                 true,
			ListenAddr:              "0.0.0.0",
			Port:                    defaultPort(network),
			Seeds:                   []string{},
			TargetPeerCount:         40,
			TargetOutboundPeerCount: 8,
			PeerConnectTimeout:      30 * time.Second,
			NoDiscover:              false,
			DHTServer:               false,
			EnableUPnP:              true,
			MaxDuplicateUnfinished:  3,
		},

		Mempool: MempoolConfig{
			CapacityBlocks: 10,
			RBFMargin:      0.10,
		},

		Sync: SyncConfig{
			ShortSyncBlocksBehindThreshold: 20,
			SyncBlocksBehindThreshold:      200,
			MaxSyncWait:                    30 * time.Second,
			WeightProofTimeout:             60 * time.Second,
			BatchSize:                      32,
			LongSyncBatchSize:              64,
			SendUncompactInterval:          5 * time.Minute,
			TargetUncompactProofs:          10,
		},

		Subscription: SubscriptionConfig{
			MaxSubscribeItems:         200_000,
			TrustedMaxSubscribeItems:  2_000_000,
			MaxSubscribeResponseItems: 100_000,
		},

		Storage: StorageConfig{
			DBSync:    DBSyncAuto,
			DBReaders: 16,
		},

		Log: LogConfig{
			Level: "info",
			File:  "",
			JSON:  false,
		},
	}
}

func defaultPort(network NetworkType) int {
	if network == Testnet {
		return 48444
	}
	return 8444
}
