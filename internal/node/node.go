// Package node provides a reusable blockchain node that can be embedded
// in any binary (daemon, tests, etc.).
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klingnet-network/klingnet/config"
	"github.com/klingnet-network/klingnet/internal/chain"
	klog "github.com/klingnet-network/klingnet/internal/log"
	"github.com/klingnet-network/klingnet/internal/mempool"
	"github.com/klingnet-network/klingnet/internal/p2p"
	"github.com/klingnet-network/klingnet/internal/storage"
	"github.com/klingnet-network/klingnet/internal/subscription"
	syncengine "github.com/klingnet-network/klingnet/internal/sync"
	"github.com/klingnet-network/klingnet/internal/validator"
	"github.com/klingnet-network/klingnet/internal/weightproof"
	"github.com/klingnet-network/klingnet/internal/workerpool"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/program"
	"github.com/klingnet-network/klingnet/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// Node is a fully-initialized klingnet full node: chain state machine,
// mempool, coin-state subscriptions, and the P2P transport that keeps
// them fed. It never proves anything itself — proof of space, VDFs and
// puzzle evaluation are out-of-process collaborators reached through
// validator.Verifiers and program.Evaluator/BlockEvaluator — so Node's
// job is admission, storage and relay, not farming.
type Node struct {
	cfg       *config.FullNodeConfig
	constants config.NetworkConstants
	logger    zerolog.Logger

	db      storage.DB
	ch      *chain.Chain
	pool    *mempool.Pool
	workers *workerpool.Pool
	subs    *subscription.Service

	p2pNode    *p2p.Node
	syncer     *p2p.Syncer
	syncEngine *syncengine.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes the external collaborators a Node is built with.
// Without options, New wires the placeholder collaborators in
// helpers.go, which reject everything; a farming binary that owns a
// real harvester/timelord/evaluator client supplies its own via these.
type Option func(*collaborators)

type collaborators struct {
	verifiers      validator.Verifiers
	spendEvaluator program.Evaluator
}

// WithVerifiers overrides the proof-of-space and VDF verifiers the
// chain validates incoming blocks against.
func WithVerifiers(v validator.Verifiers) Option {
	return func(c *collaborators) { c.verifiers = v }
}

// WithSpendEvaluator overrides the per-coin-spend puzzle evaluator the
// mempool checks pending spend bundles against.
func WithSpendEvaluator(e program.Evaluator) Option {
	return func(c *collaborators) { c.spendEvaluator = e }
}

// New creates and initializes a new Node: logger, storage, chain
// (seeding genesis on a fresh database), mempool, worker pool, and, if
// enabled, the P2P transport and its sync/subscription wiring. It does
// not start any background goroutine; call Start for that.
func New(cfg *config.FullNodeConfig, opts ...Option) (*Node, error) {
	// ── 1. Network constants ────────────────────────────────────────
	constants := config.ConstantsFor(cfg.Network)
	if err := constants.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network constants: %w", err)
	}

	// ── 2. Logger ────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("network", string(cfg.Network)).
		Uint64("initial_difficulty", constants.InitialDifficulty).
		Uint64("epoch_length", constants.EpochLength).
		Msg("Starting klingnet full node")

	// ── 3. Open storage ──────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 4. External collaborators ─────────────────────────────────────
	collab := collaborators{
		verifiers:      defaultVerifiers(),
		spendEvaluator: defaultSpendEvaluator(),
	}
	for _, opt := range opts {
		opt(&collab)
	}

	// ── 5. Chain ──────────────────────────────────────────────────────
	ch, err := chain.New(db, collab.verifiers, constants.BlockCostLimit, constants.BlockReward, constants.AggSigMeExtraData, constants.SubEpochLength)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}

	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(constants.ToGenesisConfig()); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		state := ch.State()
		logger.Info().
			Uint64("height", state.Height).
			Str("peak", state.PeakHash.String()[:16]+"...").
			Str("weight", formatWeight(state.TotalWeight)).
			Msg("Chain resumed from database")
	}

	// ── 6. Mempool ────────────────────────────────────────────────────
	capacity := constants.BlockCostLimit * uint64(cfg.Mempool.CapacityBlocks)
	pool := mempool.New(collab.spendEvaluator, ch.GetCoinRecord, capacity, constants.BlockCostLimit, constants.AggSigMeExtraData)
	if cfg.Mempool.RBFMargin > 0 {
		pool.SetRBFMargin(1 + cfg.Mempool.RBFMargin)
	}
	logger.Info().
		Uint64("capacity_cost", capacity).
		Msg("Mempool ready")

	// ── 7. Worker pool ────────────────────────────────────────────────
	workers := workerpool.New(0, cfg.ReservedCores)

	n := &Node{
		cfg:       cfg,
		constants: constants,
		logger:    logger,
		db:        db,
		ch:        ch,
		pool:      pool,
		workers:   workers,
	}

	// ── 8. Coin-state subscriptions ─────────────────────────────────
	subCfg := subscription.Config{
		MaxSubscribeItems:         cfg.Subscription.MaxSubscribeItems,
		TrustedMaxSubscribeItems:  cfg.Subscription.TrustedMaxSubscribeItems,
		MaxSubscribeResponseItems: cfg.Subscription.MaxSubscribeResponseItems,
	}
	n.subs = subscription.New(subCfg, ch, db, n.dispatchCoinUpdate)

	// ── 9. P2P and sync ───────────────────────────────────────────────
	if cfg.P2P.Enabled {
		p2pNode := p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.TargetPeerCount,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  string(cfg.Network),
			DataDir:    cfg.PeerStoreDir(),

			MaxDuplicateUnfinished: cfg.P2P.MaxDuplicateUnfinished,
		})
		p2pNode.SetGenesisHash(ch.GenesisHash())
		p2pNode.SetHeightFn(ch.PeakHeight)
		n.p2pNode = p2pNode

		syncer := p2p.NewSyncer(p2pNode)
		syncer.RegisterHandler(n.serveBlockRange)
		syncer.RegisterHeightHandler(n.servePeak)
		syncer.RegisterBundleHandler(pool.Get)
		syncer.RegisterWeightProofHandler(n.serveWeightProof)
		n.syncer = syncer

		syncCfg := syncengine.Config{
			ShortSyncBlocksBehindThreshold: cfg.Sync.ShortSyncBlocksBehindThreshold,
			SyncBlocksBehindThreshold:      cfg.Sync.SyncBlocksBehindThreshold,
			MaxSyncWait:                    cfg.Sync.MaxSyncWait,
			BatchSize:                      cfg.Sync.BatchSize,
			LongSyncBatchSize:              cfg.Sync.LongSyncBatchSize,
		}
		if syncCfg.BatchSize == 0 {
			syncCfg = syncengine.DefaultConfig()
		}
		n.syncEngine = syncengine.New(syncCfg, ch, syncer)

		p2pNode.SetNewPeakHandler(n.onGossipNewPeak)
		p2pNode.SetNewTransactionHandler(n.onGossipNewTransaction)
		p2pNode.SetNewSignagePointHandler(n.onGossipNewSignagePoint)
		p2pNode.SetNewUnfinishedBlockHandler(n.onGossipNewUnfinishedBlock)
	}

	ch.SetPeakHandler(n.onNewPeak)
	ch.SetCoinChangeHandler(n.onCoinChange)

	return n, nil
}

// Start opens the P2P transport (if enabled) and returns; it runs no
// initial catch-up sync and does not wait for peer peaks. Sync is
// driven by OnPeerPeak as gossip arrives, not by a polling loop.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		n.logger.Info().
			Str("peer_id", n.p2pNode.ID().String()).
			Strs("addrs", n.p2pNode.Addrs()).
			Msg("P2P transport listening")
	}

	state := n.ch.State()
	n.logger.Info().
		Uint64("height", state.Height).
		Str("peak", state.PeakHash.String()[:16]+"...").
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown: stops accepting new work, drains the
// worker pool, closes the P2P transport, and closes storage last so any
// in-flight commit has a chance to land durably first.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.workers != nil {
		n.workers.StopWait()
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("error stopping p2p transport")
		}
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// Chain exposes the underlying chain state machine, e.g. for an
// embedding binary's RPC layer.
func (n *Node) Chain() *chain.Chain { return n.ch }

// Mempool exposes the underlying mempool.
func (n *Node) Mempool() *mempool.Pool { return n.pool }

// Subscriptions exposes the coin-state subscription service.
func (n *Node) Subscriptions() *subscription.Service { return n.subs }

// PeerCount reports the number of connected P2P peers, or 0 if P2P is
// disabled.
func (n *Node) PeerCount() int {
	if n.p2pNode == nil {
		return 0
	}
	return n.p2pNode.PeerCount()
}

// ── Sync transport handlers ──────────────────────────────────────────

// serveBlockRange answers a peer's block-range request from local
// storage, stopping at the first missing height rather than padding the
// response with gaps.
func (n *Node) serveBlockRange(fromHeight uint64, max uint32) []*block.Block {
	blocks := make([]*block.Block, 0, max)
	for h := fromHeight; h < fromHeight+uint64(max); h++ {
		blk, err := n.ch.GetBlockAtHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, blk)
	}
	return blocks
}

// servePeak answers a peer's peak-height query with the local chain's
// current state.
func (n *Node) servePeak() (uint64, string) {
	state := n.ch.State()
	return state.Height, state.PeakHash.String()
}

// serveWeightProof builds a weight proof up to the local peak, the proof
// a syncing peer verifies to judge this node's chain worth fetching
// before committing to a long batch sync against it.
func (n *Node) serveWeightProof() (weightproof.Proof, error) {
	state := n.ch.State()
	return weightproof.Build(n.ch, state.Height, n.constants.EpochLength, n.constants.EpochLength)
}

// ── Gossip handlers ───────────────────────────────────────────────────

func (n *Node) onGossipNewPeak(from peer.ID, data []byte) {
	var msg p2p.NewPeakMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		klog.P2P.Debug().Err(err).Msg("failed to unmarshal new_peak gossip")
		return
	}
	n.syncEngine.OnPeerPeak(n.ctx, from, msg.Height, msg.Hash)
}

// onGossipNewTransaction pulls the advertised bundle from its announcer
// over BundleFetchProtocol and submits it to the mempool, mirroring how
// onGossipNewPeak hands a new tip to the sync engine rather than acting
// on the gossip payload alone.
func (n *Node) onGossipNewTransaction(from peer.ID, data []byte) {
	var msg p2p.NewTransactionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		klog.P2P.Debug().Err(err).Msg("failed to unmarshal new_transaction gossip")
		return
	}
	if n.pool.Has(msg.BundleName) || n.syncer == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()

		bundle, found, err := n.syncer.RequestBundle(ctx, from, msg.BundleName)
		if err != nil {
			klog.P2P.Debug().Err(err).Str("bundle", msg.BundleName.String()).Str("from", from.String()).Msg("bundle fetch failed")
			return
		}
		if !found {
			return
		}
		if _, err := n.pool.Add(bundle); err != nil {
			klog.P2P.Debug().Err(err).Str("bundle", msg.BundleName.String()).Msg("fetched bundle rejected by mempool")
		}
	}()
}

// onGossipNewSignagePoint logs a signage-point announcement. Farming
// off it (selecting a proof of space and racing the VDF) is the
// harvester/timelord's job, not this node's.
func (n *Node) onGossipNewSignagePoint(from peer.ID, data []byte) {
	var msg p2p.NewSignagePointMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		klog.P2P.Debug().Err(err).Msg("failed to unmarshal new_signage_point gossip")
		return
	}
	klog.P2P.Debug().Uint8("index", msg.Index).Msg("new signage point")
}

// onGossipNewUnfinishedBlock logs a candidate block awaiting its VDF
// proof. Completing it into a full block is the timelord's job.
func (n *Node) onGossipNewUnfinishedBlock(from peer.ID, data []byte) {
	var msg p2p.NewUnfinishedBlockMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		klog.P2P.Debug().Err(err).Msg("failed to unmarshal new_unfinished_block gossip")
		return
	}
	klog.P2P.Debug().Str("reward_hash", msg.RewardBlockHash.String()).Msg("new unfinished block")
}

// ── Chain event handlers ─────────────────────────────────────────────

// onNewPeak fires after a committed block changes the peak. Mempool and
// subscription bookkeeping is handled by onCoinChange, so this only
// broadcasts the new tip to the network.
func (n *Node) onNewPeak(newPeak types.Hash, height uint64, revertedTxCoinIDs []types.Hash) {
	if n.p2pNode == nil {
		return
	}
	weight := n.ch.State().TotalWeight
	if err := n.p2pNode.BroadcastNewPeak(newPeak, height, formatWeight(weight)); err != nil {
		klog.P2P.Debug().Err(err).Msg("failed to broadcast new peak")
	}
}

// onCoinChange fires alongside onNewPeak with the coin records a
// committed block created and spent. It evicts confirmed spends from
// the mempool and forwards the delta to the coin-state subscription
// service in one place, so both always see a consistent view of the
// same commit.
func (n *Node) onCoinChange(height uint64, addedCoins, spentCoins []types.CoinRecord) {
	spentIDs := make([]types.Hash, len(spentCoins))
	for i, rec := range spentCoins {
		spentIDs[i] = rec.Coin.ID()
	}
	n.pool.RemoveConfirmed(spentIDs)
	n.pool.RebuildForPeak(height, n.ch.GetCoinRecord)

	if n.subs != nil {
		n.subs.OnCoinChange(height, addedCoins, spentCoins)
	}
}

// dispatchCoinUpdate delivers a coin-state update to a subscribed peer.
// The wallet-facing wire protocol that actually pushes these to a
// connected light client lives outside this core (see SPEC_FULL.md's
// RPC non-goal); until it exists, deltas are still computed and
// persisted by internal/subscription for replay via History, just not
// pushed over the wire yet.
func (n *Node) dispatchCoinUpdate(peerID subscription.PeerID, update subscription.CoinStateUpdate) error {
	klog.Subscription.Debug().
		Str("peer", string(peerID)).
		Uint64("height", update.Height).
		Int("items", len(update.Items)).
		Msg("coin state update ready for delivery")
	return nil
}
