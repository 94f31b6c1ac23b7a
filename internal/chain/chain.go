// Package chain implements the blockchain state machine: block
// admission, fork choice by weight, and reorg handling.
package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/klingnet-network/klingnet/internal/storage"
	"github.com/klingnet-network/klingnet/internal/validator"
	"github.com/klingnet-network/klingnet/internal/weightproof"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// nowFunc is the wall clock used to bound how far a block's timestamp
// may lie in the future. A package variable so tests can override it.
var nowFunc = time.Now

// AddResultKind classifies the outcome of adding a block to the chain.
type AddResultKind uint8

const (
	AddResultNewPeak AddResultKind = iota + 1
	AddResultAddedToSideChain
	AddResultAlreadyHave
	AddResultDisconnectedBlock
	AddResultInvalidBlock
)

// AddResult is the sum type add_block returns. Err is populated only
// when Kind is AddResultInvalidBlock.
type AddResult struct {
	Kind AddResultKind
	Err  *validator.ValidationError
}

// PeakHandler is invoked after a block commits that changes the peak.
// It fires only once the new state is fully durable, so callers never
// observe a state where the peak hash and the coin records disagree.
type PeakHandler func(newPeak types.Hash, height uint64, revertedTxCoinIDs []types.Hash)

// CoinChangeHandler is invoked after a block that extends the current
// peak commits, with the coin records it created and the ones it spent.
// It fires under the same durability guarantee as PeakHandler and is the
// feed the coin-state subscription service watches to compute per-peer
// deltas. Blocks applied while Reorg replays a new branch do not fire it.
type CoinChangeHandler func(height uint64, addedCoins []types.CoinRecord, spentCoins []types.CoinRecord)

// Chain is the blockchain state machine. All mutation goes through a
// single mutex-guarded writer path (add_block/Reorg), matching a
// single-threaded cooperative scheduler per service: concurrent readers
// never observe a torn update.
type Chain struct {
	mu sync.Mutex

	store     *BlockStore
	verifiers validator.Verifiers

	state       State
	genesisHash types.Hash

	blockCostLimit uint64
	blockReward    uint64
	aggSigMeSalt   []byte
	subEpochLength uint64

	peakHandler       PeakHandler
	coinChangeHandler CoinChangeHandler
}

// New constructs a Chain over the given database, recovering state from
// any prior run and completing an interrupted reorg if a checkpoint was
// left behind by a crash. subEpochLength is the height interval at which
// a sub-epoch summary is recorded for internal/weightproof; 0 disables
// summary production (every commit becomes a no-op for that purpose).
func New(db storage.DB, v validator.Verifiers, blockCostLimit uint64, blockReward uint64, aggSigMeSalt []byte, subEpochLength uint64) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	store := NewBlockStore(db)

	state, err := store.GetPeak()
	if err != nil {
		return nil, fmt.Errorf("recover peak: %w", err)
	}

	var genesisHash types.Hash
	if genBlk, err := store.GetBlockAtHeight(0); err == nil {
		genesisHash = genBlk.Hash()
	}

	c := &Chain{
		store:          store,
		verifiers:      v,
		state:          state,
		genesisHash:    genesisHash,
		blockCostLimit: blockCostLimit,
		blockReward:    blockReward,
		aggSigMeSalt:   aggSigMeSalt,
		subEpochLength: subEpochLength,
	}

	if forkHeight, found := store.GetReorgCheckpoint(); found {
		if err := c.rebuildReorg(forkHeight); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return c, nil
}

// SetPeakHandler registers the callback fired after a committed block
// changes the peak.
func (c *Chain) SetPeakHandler(fn PeakHandler) { c.peakHandler = fn }

// SetCoinChangeHandler registers the callback fired with the coin
// records a committed block created and spent.
func (c *Chain) SetCoinChangeHandler(fn CoinChangeHandler) { c.coinChangeHandler = fn }

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeakHeight returns the height of the current peak, satisfying the
// narrow ChainWriter view internal/sync drives catch-up through.
func (c *Chain) PeakHeight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// GenesisHash returns the hash of the height-0 block, or the zero hash
// if the chain has not been initialized yet.
func (c *Chain) GenesisHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genesisHash
}

// GetBlock retrieves a block by hash, on any branch.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.store.GetBlock(hash)
}

// GetBlockAtHeight retrieves the main-chain block at the given height.
func (c *Chain) GetBlockAtHeight(height uint64) (*block.Block, error) {
	return c.store.GetBlockAtHeight(height)
}

// HeaderAtHeight retrieves the main-chain header at the given height,
// satisfying weightproof.HeaderSource.
func (c *Chain) HeaderAtHeight(height uint64) (*block.Header, error) {
	blk, err := c.store.GetBlockAtHeight(height)
	if err != nil {
		return nil, err
	}
	return blk.Header, nil
}

// SubEpochSummaryAt decodes the sub-epoch summary stored at index,
// satisfying weightproof.HeaderSource. ok is false once index runs past
// the last summary recorded so far.
func (c *Chain) SubEpochSummaryAt(index uint64) (weightproof.SubEpochSummary, bool, error) {
	data, err := c.store.GetSubEpochSummary(index)
	if err != nil {
		return weightproof.SubEpochSummary{}, false, nil
	}
	s, err := weightproof.Decode(data)
	if err != nil {
		return weightproof.SubEpochSummary{}, false, fmt.Errorf("decode sub-epoch summary %d: %w", index, err)
	}
	return s, true, nil
}

// GetCoinRecord retrieves a coin record by id.
func (c *Chain) GetCoinRecord(id types.Hash) (types.CoinRecord, bool) {
	return c.store.GetCoinRecord(id)
}

// GetCoinRecordsByPuzzleHash retrieves coin records touching a puzzle
// hash in a height range.
func (c *Chain) GetCoinRecordsByPuzzleHash(ph types.Hash, startHeight, endHeight uint32, includeSpent bool) ([]types.CoinRecord, error) {
	return c.store.GetCoinRecordsByPuzzleHash(ph, startHeight, endHeight, includeSpent)
}

// GetSubEpochSummary retrieves the opaquely-encoded sub-epoch summary
// at index. The chain stores these as bytes without interpreting them;
// internal/weightproof owns the encoding.
func (c *Chain) GetSubEpochSummary(index uint64) ([]byte, error) {
	return c.store.GetSubEpochSummary(index)
}

// PutSubEpochSummary stores the opaquely-encoded sub-epoch summary at
// index, recorded when a committed block closes a sub-epoch.
func (c *Chain) PutSubEpochSummary(index uint64, data []byte) error {
	return c.store.PutSubEpochSummary(index, data)
}

// InitFromGenesis commits the canonical genesis block for a fresh chain.
func (c *Chain) InitFromGenesis(gen GenesisConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, records, err := BuildGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("build genesis: %w", err)
	}

	if err := c.store.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	for _, rec := range records {
		if err := c.store.PutCoinRecord(rec); err != nil {
			return fmt.Errorf("store genesis coin record: %w", err)
		}
	}
	if err := c.store.PutGenesisRecords(records); err != nil {
		return fmt.Errorf("store genesis record snapshot: %w", err)
	}

	hash := blk.Hash()
	c.state = State{
		PeakHash:     hash,
		Height:       0,
		TotalWeight:  blk.Header.Weight,
		Difficulty:   blk.Header.Difficulty,
		SubSlotIters: gen.InitialSubSlotIters,
	}
	c.genesisHash = hash

	if err := c.store.SetPeak(hash, 0, c.state.TotalWeight, c.state.Difficulty, c.state.SubSlotIters); err != nil {
		return fmt.Errorf("set genesis peak: %w", err)
	}
	return nil
}

// AddBlock validates a block and, depending on its weight relative to
// the current peak, either extends the chain, stores it as a side-chain
// candidate, or triggers a reorg. Duplicate and disconnected blocks are
// reported without touching state.
func (c *Chain) AddBlock(blk *block.Block) AddResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return AddResult{Kind: AddResultInvalidBlock, Err: &validator.ValidationError{Kind: validator.ErrStructural, Detail: "nil block or header"}}
	}

	hash := blk.Hash()
	known, err := c.store.HasBlock(hash)
	if err != nil {
		return AddResult{Kind: AddResultInvalidBlock, Err: &validator.ValidationError{Kind: validator.ErrStructural, Detail: err.Error()}}
	}
	if known {
		return AddResult{Kind: AddResultAlreadyHave}
	}

	var parentHeader *block.Header
	if !blk.Header.PrevHash.IsZero() || blk.Header.Height != 0 {
		parentKnown, err := c.store.HasBlock(blk.Header.PrevHash)
		if err != nil || !parentKnown {
			return AddResult{Kind: AddResultDisconnectedBlock}
		}
		parentBlk, err := c.store.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return AddResult{Kind: AddResultDisconnectedBlock}
		}
		parentHeader = parentBlk.Header
	}

	difficulty := c.state.Difficulty
	if parentHeader != nil {
		difficulty = parentHeader.Difficulty
	}
	ctx := validator.ParentContext{
		ParentHeader:   parentHeader,
		Difficulty:     difficulty,
		AggSigMeSalt:   c.aggSigMeSalt,
		BlockCostLimit: c.blockCostLimit,
		BlockReward:    c.blockReward,
		CoinExists:     c.store.GetCoinRecord,
	}

	res := validator.Validate(blk, ctx, c.verifiers, nowFunc())
	if res.Err != nil {
		return AddResult{Kind: AddResultInvalidBlock, Err: res.Err}
	}

	extendsPeak := parentHeader == nil && c.state.IsGenesis() || (parentHeader != nil && blk.Header.PrevHash == c.state.PeakHash)
	if extendsPeak {
		if err := c.commitBlock(blk, res.Ok); err != nil {
			return AddResult{Kind: AddResultInvalidBlock, Err: &validator.ValidationError{Kind: validator.ErrStructural, Detail: err.Error()}}
		}
		return AddResult{Kind: AddResultNewPeak}
	}

	// Side chain: store it, then decide whether its weight overtakes the peak.
	if err := c.store.StoreBlock(blk); err != nil {
		return AddResult{Kind: AddResultInvalidBlock, Err: &validator.ValidationError{Kind: validator.ErrStructural, Detail: err.Error()}}
	}
	if isHeavier(res.Ok.Weight, hash, c.state.TotalWeight, c.state.PeakHash) {
		if err := c.Reorg(hash); err != nil {
			return AddResult{Kind: AddResultInvalidBlock, Err: &validator.ValidationError{Kind: validator.ErrStructural, Detail: err.Error()}}
		}
		return AddResult{Kind: AddResultNewPeak}
	}
	return AddResult{Kind: AddResultAddedToSideChain}
}

// recordSubEpochSummary stores the sub-epoch summary closing at h, if h's
// height lands on a sub-epoch boundary. Summaries chain by hash the same
// way blocks chain by PrevHash, so a weight proof can walk them without
// re-deriving each one from its full block.
func (c *Chain) recordSubEpochSummary(h *block.Header) error {
	if c.subEpochLength == 0 || h.Height == 0 || h.Height%c.subEpochLength != 0 {
		return nil
	}
	index := h.Height/c.subEpochLength - 1

	var prevHash types.Hash
	if index > 0 {
		prev, ok, err := c.SubEpochSummaryAt(index - 1)
		if err != nil {
			return err
		}
		if ok {
			prevHash = prev.Hash()
		}
	}

	summary := weightproof.NewSummaryFromHeader(index, prevHash, h)
	data, err := weightproof.Encode(summary)
	if err != nil {
		return err
	}
	return c.store.PutSubEpochSummary(index, data)
}

// isHeavier reports whether a candidate (weight, hash) beats the
// current peak under spec's deterministic tie-break: greater weight
// wins; on equal weight, the lexicographically smaller header hash
// wins.
func isHeavier(candidateWeight uint64, candidateHash types.Hash, peakWeight uint64, peakHash types.Hash) bool {
	if candidateWeight != peakWeight {
		return candidateWeight > peakWeight
	}
	return bytesLess(candidateHash[:], peakHash[:])
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// commitBlock applies a validated block that extends the current peak:
// persists it, applies its coin effects, records undo data, and updates
// the peak pointer. Readers never observe a state where the block is
// stored but the peak has not advanced, or vice versa, because both
// happen while mu is held.
func (c *Chain) commitBlock(blk *block.Block, derived *validator.DerivedState) error {
	hash := blk.Hash()

	undo, err := newUndoData(c.store, blk, derived)
	if err != nil {
		return fmt.Errorf("build undo data: %w", err)
	}

	spentCoins := make([]types.CoinRecord, 0, len(derived.RemovedCoinIDs))
	for _, id := range derived.RemovedCoinIDs {
		rec, ok := c.store.GetCoinRecord(id)
		if !ok {
			return fmt.Errorf("removed coin %s vanished during commit", id)
		}
		rec.SpentHeight = uint32(blk.Header.Height)
		if err := c.store.PutCoinRecord(rec); err != nil {
			return fmt.Errorf("mark coin spent: %w", err)
		}
		spentCoins = append(spentCoins, rec)
	}
	for _, rec := range derived.AddedCoins {
		if err := c.store.PutCoinRecord(rec); err != nil {
			return fmt.Errorf("add coin record: %w", err)
		}
	}

	if err := c.store.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}
	undoBytes, err := encodeUndo(undo)
	if err != nil {
		return err
	}
	if err := c.store.PutUndo(hash, undoBytes); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}

	if err := c.recordSubEpochSummary(blk.Header); err != nil {
		return fmt.Errorf("record sub-epoch summary: %w", err)
	}

	c.state = State{
		PeakHash:     hash,
		Height:       blk.Header.Height,
		TotalWeight:  blk.Header.Weight,
		Difficulty:   blk.Header.Difficulty,
		SubSlotIters: derived.SubSlotIters,
	}
	if err := c.store.SetPeak(hash, c.state.Height, c.state.TotalWeight, c.state.Difficulty, c.state.SubSlotIters); err != nil {
		return fmt.Errorf("set peak: %w", err)
	}

	if c.peakHandler != nil {
		c.peakHandler(hash, blk.Header.Height, nil)
	}
	if c.coinChangeHandler != nil {
		c.coinChangeHandler(blk.Header.Height, derived.AddedCoins, spentCoins)
	}
	return nil
}
