// Package sync drives chain synchronization against peers: tracking
// how far behind the local peak is, choosing between short and long
// sync, and feeding fetched blocks back into the chain one at a time.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	chainpkg "github.com/klingnet-network/klingnet/internal/chain"
	"github.com/klingnet-network/klingnet/internal/weightproof"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// State is the sync engine's coarse status, observable by RPC/metrics.
type State uint8

const (
	Disconnected State = iota
	ShortSync
	LongSync
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ShortSync:
		return "short_sync"
	case LongSync:
		return "long_sync"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Config holds the thresholds that decide which sync mode applies and
// how long an initial sync may wait for a peak.
type Config struct {
	// ShortSyncBlocksBehindThreshold: below this, catch up via direct
	// block-range requests against the peak-announcing peer.
	ShortSyncBlocksBehindThreshold uint64
	// SyncBlocksBehindThreshold: at or above this, long sync applies:
	// when the transport serves weight proofs, the target is the peer
	// with the heaviest verifying proof, otherwise the highest claimed
	// peak; blocks are then fetched in LongSyncBatchSize batches.
	SyncBlocksBehindThreshold uint64
	// MaxSyncWait bounds how long the engine waits for a usable peak
	// during initial startup sync.
	MaxSyncWait time.Duration
	// BatchSize is how many blocks are requested per block-range round
	// during short sync.
	BatchSize uint32
	// LongSyncBatchSize is the batch size used once long sync kicks in.
	LongSyncBatchSize uint32
}

// DefaultConfig returns conservative defaults in the teacher's style of
// providing a ready-to-use zero-config starting point.
func DefaultConfig() Config {
	return Config{
		ShortSyncBlocksBehindThreshold: 20,
		SyncBlocksBehindThreshold:      200,
		MaxSyncWait:                    2 * time.Minute,
		BatchSize:                      32,
		LongSyncBatchSize:              128,
	}
}

// Transport is the subset of the peer-protocol syncer the engine needs:
// requesting a block range from a specific peer. Kept narrow so tests
// can supply a fake without spinning up libp2p hosts.
type Transport interface {
	RequestBlocks(ctx context.Context, peerID peer.ID, fromHeight uint64, maxBlocks uint32) ([]*block.Block, error)
}

// WeightProofTransport is implemented by transports that can also fetch
// a weight proof from a peer. It is checked for with a type assertion on
// Transport rather than folded into it, so fakes used by short-sync
// tests don't need to grow a method they never exercise.
type WeightProofTransport interface {
	RequestWeightProof(ctx context.Context, peerID peer.ID) (weightproof.Proof, error)
}

// ChainWriter is the subset of the chain the engine mutates: admitting
// fetched blocks, reading the current peak height, and the genesis hash
// a fetched weight proof's summary chain must anchor to.
type ChainWriter interface {
	AddBlock(blk *block.Block) chainpkg.AddResult
	PeakHeight() uint64
	GenesisHash() types.Hash
}

// peakClaim is the latest peak a peer has announced to us.
type peakClaim struct {
	height uint64
	hash   types.Hash
}

// Engine tracks peer-announced peaks and drives catch-up against the
// local chain. One Engine serves the whole node; peer announcements
// arrive via OnPeerPeak from the gossip layer.
type Engine struct {
	cfg       Config
	chain     ChainWriter
	transport Transport

	mu          sync.Mutex
	state       State
	peerPeaks   map[peer.ID]peakClaim
	syncing     bool
	lastSyncErr error
}

// New constructs a sync engine. state starts Disconnected until a peer
// announces a peak.
func New(cfg Config, chain ChainWriter, transport Transport) *Engine {
	return &Engine{
		cfg:       cfg,
		chain:     chain,
		transport: transport,
		state:     Disconnected,
		peerPeaks: make(map[peer.ID]peakClaim),
	}
}

// State returns the engine's current coarse status.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnPeerPeak records a peer's announced peak and, if it is ahead of the
// local chain by more than zero blocks and no sync is already running,
// starts a sync against that peer in the background.
func (e *Engine) OnPeerPeak(ctx context.Context, peerID peer.ID, height uint64, hash types.Hash) {
	e.mu.Lock()
	e.peerPeaks[peerID] = peakClaim{height: height, hash: hash}
	local := e.chain.PeakHeight()
	behind := uint64(0)
	if height > local {
		behind = height - local
	}
	if behind == 0 {
		e.state = Synced
		e.mu.Unlock()
		return
	}
	if e.syncing {
		e.mu.Unlock()
		return
	}
	e.syncing = true
	if behind >= e.cfg.SyncBlocksBehindThreshold {
		e.state = LongSync
	} else {
		e.state = ShortSync
	}
	mode := e.state
	e.mu.Unlock()

	if mode == LongSync {
		if wpt, ok := e.transport.(WeightProofTransport); ok {
			go e.runLongSync(ctx, wpt)
			return
		}
	}
	go e.runSync(ctx, peerID, mode)
}

// runLongSync picks the peer with the heaviest verifiable weight proof
// among every peer currently claiming a peak, then runs the same batched
// block-range catch-up short sync uses, just against that peer instead
// of whichever one happened to trigger this round. Peers whose proof
// fails to fetch or to verify are skipped rather than aborting the round.
func (e *Engine) runLongSync(ctx context.Context, wpt WeightProofTransport) {
	e.mu.Lock()
	candidates := make([]peer.ID, 0, len(e.peerPeaks))
	for id := range e.peerPeaks {
		candidates = append(candidates, id)
	}
	e.mu.Unlock()

	peers := make([]peer.ID, 0, len(candidates))
	proofs := make([]weightproof.Proof, 0, len(candidates))
	for _, id := range candidates {
		proof, err := wpt.RequestWeightProof(ctx, id)
		if err != nil {
			continue
		}
		peers = append(peers, id)
		proofs = append(proofs, proof)
	}

	var bestPeer peer.ID
	var bestHeight uint64
	found := false
	if best, _, ok := weightproof.Heaviest(e.chain.GenesisHash(), proofs); ok {
		for i, p := range proofs {
			if p.TipHash() == best.TipHash() && p.TipWeight() == best.TipWeight() {
				bestPeer, found = peers[i], true
				break
			}
		}
	}

	if !found {
		// No peer produced a verifiable proof; fall back to the plain
		// batched fetch against whichever peer claims the highest peak.
		e.mu.Lock()
		for id, claim := range e.peerPeaks {
			if !found || claim.height > bestHeight {
				bestPeer, bestHeight, found = id, claim.height, true
			}
		}
		e.mu.Unlock()
	}
	if !found {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
		return
	}

	e.runSync(ctx, bestPeer, LongSync)
}

// runSync performs one batched catch-up pass against peerID and resets
// syncing when done, allowing the next OnPeerPeak to trigger another
// round if the peer is still ahead.
func (e *Engine) runSync(ctx context.Context, peerID peer.ID, mode State) {
	defer func() {
		e.mu.Lock()
		e.syncing = false
		if e.chain.PeakHeight() >= e.targetHeight(peerID) {
			e.state = Synced
		}
		e.mu.Unlock()
	}()

	batch := e.cfg.BatchSize
	if mode == LongSync {
		batch = e.cfg.LongSyncBatchSize
	}

	for {
		from := e.chain.PeakHeight() + 1
		target := e.targetHeight(peerID)
		if from > target {
			return
		}

		blocks, err := e.transport.RequestBlocks(ctx, peerID, from, batch)
		if err != nil {
			e.mu.Lock()
			e.lastSyncErr = err
			e.mu.Unlock()
			return
		}
		if len(blocks) == 0 {
			return
		}

		for _, blk := range blocks {
			res := e.chain.AddBlock(blk)
			switch res.Kind {
			case chainpkg.AddResultNewPeak, chainpkg.AddResultAddedToSideChain, chainpkg.AddResultAlreadyHave:
				// Progress (or harmless duplicate); continue.
			default:
				e.mu.Lock()
				if res.Err != nil {
					e.lastSyncErr = fmt.Errorf("sync rejected block at height %d: %s", blk.Header.Height, res.Err.Detail)
				}
				e.mu.Unlock()
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (e *Engine) targetHeight(peerID peer.ID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerPeaks[peerID].height
}

// LastError returns the most recent sync-round error, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncErr
}

// WaitForPeak blocks until the engine observes at least one peer peak
// claim or MaxSyncWait elapses, matching the spec's bounded
// initial-sync peak wait.
func (e *Engine) WaitForPeak(ctx context.Context) bool {
	deadline := time.After(e.cfg.MaxSyncWait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		has := len(e.peerPeaks) > 0
		e.mu.Unlock()
		if has {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
