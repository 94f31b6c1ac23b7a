package chain

import (
	"encoding/json"
	"fmt"

	"github.com/klingnet-network/klingnet/internal/validator"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// UndoData stores what a single committed block changed in the coin set,
// so a reorg can revert it without replaying the whole chain.
type UndoData struct {
	// SpentCoins holds the pre-spend record (SpentHeight still zero) for
	// every coin the block spent, so reverting just writes them back.
	SpentCoins []types.CoinRecord `json:"spent_coins"`
	// CreatedCoins holds the coins the block created, so reverting just
	// deletes their records.
	CreatedCoins []types.Coin `json:"created_coins"`
}

// ErrReorgTooDeep is returned when a reorg exceeds MaxReorgDepth.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when a reorg would replace the genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// MaxReorgDepth bounds how many blocks of a new branch a single reorg
// collects and replays, so a malicious deep side chain cannot force
// unbounded replay. The number of old-branch blocks reverted is not
// checked against it.
const MaxReorgDepth = 1000

// newUndoData captures the pre-commit coin state a block is about to
// change, so the change can be reverted later. It must be called before
// the removed coins are marked spent.
func newUndoData(store *BlockStore, blk *block.Block, derived *validator.DerivedState) (*UndoData, error) {
	undo := &UndoData{}
	for _, id := range derived.RemovedCoinIDs {
		rec, ok := store.GetCoinRecord(id)
		if !ok {
			return nil, fmt.Errorf("coin %s not found while building undo data", id)
		}
		undo.SpentCoins = append(undo.SpentCoins, rec)
	}
	for _, rec := range derived.AddedCoins {
		undo.CreatedCoins = append(undo.CreatedCoins, rec.Coin)
	}
	return undo, nil
}

func encodeUndo(undo *UndoData) ([]byte, error) {
	data, err := json.Marshal(undo)
	if err != nil {
		return nil, fmt.Errorf("marshal undo data: %w", err)
	}
	return data, nil
}

func decodeUndo(data []byte) (*UndoData, error) {
	var undo UndoData
	if err := json.Unmarshal(data, &undo); err != nil {
		return nil, fmt.Errorf("unmarshal undo data: %w", err)
	}
	return &undo, nil
}

// revertBlock undoes a single block's coin-set changes using its undo
// data: newly created coins are deleted and spent coins are restored to
// unspent.
func (c *Chain) revertBlock(undo *UndoData) error {
	for _, coin := range undo.CreatedCoins {
		if err := c.store.DeleteCoinRecord(coin); err != nil {
			return fmt.Errorf("delete created coin %s: %w", coin.ID(), err)
		}
	}
	for _, rec := range undo.SpentCoins {
		if err := c.store.PutCoinRecord(rec); err != nil {
			return fmt.Errorf("restore spent coin %s: %w", rec.Coin.ID(), err)
		}
	}
	return nil
}

// Reorg switches the chain's peak from the current tip to newTipHash,
// which must already be stored (via StoreBlock) but not yet on the main
// chain. It finds the common ancestor, reverts blocks back to the fork
// point, and replays the new branch with full validation. Callers must
// hold c.mu.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return fmt.Errorf("collect new branch: %w", err)
	}
	if len(newBranch) == 0 {
		return fmt.Errorf("empty new branch")
	}

	forkHeight := uint64(0)
	if newBranch[0].Header.Height > 0 {
		forkHeight = newBranch[0].Header.Height - 1
	}
	oldHeight := c.state.Height

	if err := c.store.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	for h := oldHeight; h > forkHeight; h-- {
		blk, err := c.store.GetBlockAtHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		bHash := blk.Hash()
		undoBytes, err := c.store.GetUndo(bHash)
		if err != nil {
			return c.rebuildReorg(forkHeight)
		}
		undo, err := decodeUndo(undoBytes)
		if err != nil {
			return fmt.Errorf("decode undo for block %s: %w", bHash, err)
		}
		if err := c.revertBlock(undo); err != nil {
			return fmt.Errorf("revert block %s: %w", bHash, err)
		}
		if err := c.store.UnindexHeight(h); err != nil {
			return fmt.Errorf("unindex height %d: %w", h, err)
		}
		if err := c.store.DeleteUndo(bHash); err != nil {
			return fmt.Errorf("delete undo for block %s: %w", bHash, err)
		}
		if c.subEpochLength != 0 && h%c.subEpochLength == 0 {
			if err := c.store.DeleteSubEpochSummary(h/c.subEpochLength - 1); err != nil {
				return fmt.Errorf("delete sub-epoch summary for height %d: %w", h, err)
			}
		}
	}

	parentHeader, err := c.headerAtHeight(forkHeight)
	if err != nil {
		return fmt.Errorf("load fork-point header: %w", err)
	}

	for _, blk := range newBranch {
		difficulty := blk.Header.Difficulty
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
			return fmt.Errorf("validate replay block at height %d: %s", blk.Header.Height, res.Err.Detail)
		}
		if err := c.applyValidated(blk, res.Ok); err != nil {
			return fmt.Errorf("apply replay block at height %d: %w", blk.Header.Height, err)
		}
		parentHeader = blk.Header
	}

	tip := newBranch[len(newBranch)-1]
	hash := tip.Hash()
	c.state = State{
		PeakHash:     hash,
		Height:       tip.Header.Height,
		TotalWeight:  tip.Header.Weight,
		Difficulty:   tip.Header.Difficulty,
		SubSlotIters: c.state.SubSlotIters,
	}
	if err := c.store.SetPeak(hash, c.state.Height, c.state.TotalWeight, c.state.Difficulty, c.state.SubSlotIters); err != nil {
		return fmt.Errorf("set peak: %w", err)
	}
	if err := c.store.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	if c.peakHandler != nil {
		c.peakHandler(hash, tip.Header.Height, nil)
	}
	return nil
}

// applyValidated commits a single already-validated block during reorg
// replay: marks its removed coins spent, stores its added coins, indexes
// it on the main chain, and records undo data.
func (c *Chain) applyValidated(blk *block.Block, derived *validator.DerivedState) error {
	undo, err := newUndoData(c.store, blk, derived)
	if err != nil {
		return fmt.Errorf("build undo data: %w", err)
	}
	for _, id := range derived.RemovedCoinIDs {
		rec, ok := c.store.GetCoinRecord(id)
		if !ok {
			return fmt.Errorf("removed coin %s vanished during replay", id)
		}
		rec.SpentHeight = uint32(blk.Header.Height)
		if err := c.store.PutCoinRecord(rec); err != nil {
			return fmt.Errorf("mark coin spent: %w", err)
		}
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
	if err := c.store.PutUndo(blk.Hash(), undoBytes); err != nil {
		return err
	}
	return c.recordSubEpochSummary(blk.Header)
}

// headerAtHeight loads the header of the main-chain block at height,
// returning an error if no block is indexed there.
func (c *Chain) headerAtHeight(height uint64) (*block.Header, error) {
	blk, err := c.store.GetBlockAtHeight(height)
	if err != nil {
		return nil, err
	}
	return blk.Header, nil
}

// collectBranch walks backward from tipHash to the common ancestor with
// the current main chain, returning blocks in ascending height order.
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash

	for {
		blk, err := c.store.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if len(branch) > MaxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, MaxReorgDepth)
		}

		if blk.Header.Height == 0 {
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, ErrGenesisReorg
			}
			break
		}
		parentHeight := blk.Header.Height - 1
		if mainHash, ok := c.store.HashAtHeight(parentHeight); ok && mainHash == blk.Header.PrevHash {
			break
		}
		hash = blk.Header.PrevHash
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// rebuildReorg handles the case where undo data is missing for an
// old-branch block, or a crash interrupted a reorg mid-flight: it clears
// the entire coin set and replays every block from genesis through the
// current main-chain tip, rebuilding coin records and undo data from
// scratch. This is slower than undo-based reorg but always correct.
func (c *Chain) rebuildReorg(forkHeight uint64) error {
	peak, err := c.store.GetPeak()
	if err != nil {
		return fmt.Errorf("rebuild reorg: read peak: %w", err)
	}
	if peak.PeakHash.IsZero() {
		return c.store.DeleteReorgCheckpoint()
	}

	if err := c.store.ClearCoinRecords(); err != nil {
		return fmt.Errorf("rebuild reorg: clear coin records: %w", err)
	}

	var parentHeader *block.Header
	var lastDerived *validator.DerivedState
	for h := uint64(0); h <= peak.Height; h++ {
		blk, err := c.store.GetBlockAtHeight(h)
		if err != nil {
			return fmt.Errorf("rebuild reorg: load block at height %d: %w", h, err)
		}

		if h == 0 {
			gen, err := c.store.GetGenesisRecords()
			if err != nil {
				return fmt.Errorf("rebuild reorg: load genesis records: %w", err)
			}
			for _, rec := range gen {
				if err := c.store.PutCoinRecord(rec); err != nil {
					return fmt.Errorf("rebuild reorg: restore genesis coin: %w", err)
				}
			}
			parentHeader = blk.Header
			continue
		}

		difficulty := blk.Header.Difficulty
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
			return fmt.Errorf("rebuild reorg: validate block at height %d: %s", h, res.Err.Detail)
		}
		if err := c.applyValidated(blk, res.Ok); err != nil {
			return fmt.Errorf("rebuild reorg: apply block at height %d: %w", h, err)
		}
		parentHeader = blk.Header
		lastDerived = res.Ok
	}

	c.state.PeakHash = peak.PeakHash
	c.state.Height = peak.Height
	c.state.TotalWeight = peak.TotalWeight
	c.state.Difficulty = peak.Difficulty
	if lastDerived != nil {
		c.state.SubSlotIters = lastDerived.SubSlotIters
	}

	if err := c.store.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("rebuild reorg: delete checkpoint: %w", err)
	}
	return nil
}
