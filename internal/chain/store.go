package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/klingnet-network/klingnet/internal/storage"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock      = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight     = []byte("h/") // h/<height(8)> -> hash(32), main chain only
	prefixCoin       = []byte("c/") // c/<coin_id(32)> -> CoinRecord JSON
	prefixPuzzleHash = []byte("p/") // p/<puzzle_hash(32)><coin_id(32)> -> empty
	prefixUndo       = []byte("d/") // d/<hash(32)> -> UndoData JSON
	prefixSubEpoch   = []byte("e/") // e/<index(8)> -> SubEpochSummary JSON

	keyPeakHash        = []byte("s/peak")
	keyHeight          = []byte("s/height")
	keyWeight          = []byte("s/weight")
	keyDifficulty      = []byte("s/difficulty")
	keySubSlotIters    = []byte("s/subslotiters")
	keyReorgCheckpoint = []byte("s/reorg")
	keyGenesisRecords  = []byte("s/genesis_records")
)

// BlockStore persists blocks, coin records, and chain metadata to a
// storage.DB. Blocks are addressed by hash regardless of which branch
// they belong to; the height index only ever names the current main
// chain, so a reorg updates it in place rather than appending.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock stores a block by hash only, without touching the height
// index. Use this for blocks on a fork that is not (yet) the main chain.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// PutBlock stores a block and indexes it by height as part of the main
// chain.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	if err := bs.StoreBlock(blk); err != nil {
		return err
	}
	hash := blk.Hash()
	if err := bs.db.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	return nil
}

// UnindexHeight removes the height→hash entry for a height, used when a
// reorg retracts a block from the main chain.
func (bs *BlockStore) UnindexHeight(height uint64) error {
	return bs.db.Delete(heightKey(height))
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockAtHeight retrieves the main-chain block at the given height.
func (bs *BlockStore) GetBlockAtHeight(height uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// HashAtHeight returns the main-chain block hash at the given height.
func (bs *BlockStore) HashAtHeight(height uint64) (types.Hash, bool) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil || len(hashBytes) != types.HashSize {
		return types.Hash{}, false
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, true
}

// HasBlock checks if a block exists by hash, on any branch.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// GetCoinRecord retrieves a coin record by coin id.
func (bs *BlockStore) GetCoinRecord(id types.Hash) (types.CoinRecord, bool) {
	data, err := bs.db.Get(coinKey(id))
	if err != nil {
		return types.CoinRecord{}, false
	}
	var rec types.CoinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.CoinRecord{}, false
	}
	return rec, true
}

// PutCoinRecord stores a coin record, maintaining the puzzle-hash
// secondary index.
func (bs *BlockStore) PutCoinRecord(rec types.CoinRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("coin record marshal: %w", err)
	}
	id := rec.Coin.ID()
	if err := bs.db.Put(coinKey(id), data); err != nil {
		return fmt.Errorf("coin record put: %w", err)
	}
	if err := bs.db.Put(puzzleHashKey(rec.Coin.PuzzleHash, id), nil); err != nil {
		return fmt.Errorf("puzzle hash index put: %w", err)
	}
	return nil
}

// DeleteCoinRecord removes a coin record entirely, used when undoing the
// creation of a coin during a reorg.
func (bs *BlockStore) DeleteCoinRecord(coin types.Coin) error {
	id := coin.ID()
	if err := bs.db.Delete(coinKey(id)); err != nil {
		return err
	}
	return bs.db.Delete(puzzleHashKey(coin.PuzzleHash, id))
}

// GetCoinRecordsByPuzzleHash returns every coin record ever created under
// the given puzzle hash with ConfirmedHeight in [startHeight, endHeight].
// When includeSpent is false, already-spent records are omitted.
func (bs *BlockStore) GetCoinRecordsByPuzzleHash(ph types.Hash, startHeight, endHeight uint32, includeSpent bool) ([]types.CoinRecord, error) {
	var out []types.CoinRecord
	prefix := make([]byte, len(prefixPuzzleHash)+types.HashSize)
	copy(prefix, prefixPuzzleHash)
	copy(prefix[len(prefixPuzzleHash):], ph[:])

	err := bs.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) != len(prefix)+types.HashSize {
			return nil
		}
		var id types.Hash
		copy(id[:], key[len(prefix):])
		rec, ok := bs.GetCoinRecord(id)
		if !ok {
			return nil
		}
		if rec.ConfirmedHeight < startHeight || rec.ConfirmedHeight > endHeight {
			return nil
		}
		if !includeSpent && rec.IsSpent() {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan puzzle hash index: %w", err)
	}
	return out, nil
}

// SetPeak stores the current peak hash, height, weight, difficulty, and
// sub-slot-iterations.
func (bs *BlockStore) SetPeak(hash types.Hash, height, weight, difficulty, subSlotIters uint64) error {
	if err := bs.db.Put(keyPeakHash, hash[:]); err != nil {
		return fmt.Errorf("set peak hash: %w", err)
	}
	if err := putUint64(bs.db, keyHeight, height); err != nil {
		return fmt.Errorf("set height: %w", err)
	}
	if err := putUint64(bs.db, keyWeight, weight); err != nil {
		return fmt.Errorf("set weight: %w", err)
	}
	if err := putUint64(bs.db, keyDifficulty, difficulty); err != nil {
		return fmt.Errorf("set difficulty: %w", err)
	}
	if err := putUint64(bs.db, keySubSlotIters, subSlotIters); err != nil {
		return fmt.Errorf("set sub slot iters: %w", err)
	}
	return nil
}

// GetPeak returns the persisted chain state. Returns the zero state if
// no peak has been set yet (fresh chain).
func (bs *BlockStore) GetPeak() (State, error) {
	hashBytes, err := bs.db.Get(keyPeakHash)
	if err != nil {
		return State{}, nil
	}
	if len(hashBytes) != types.HashSize {
		return State{}, fmt.Errorf("corrupt peak hash: got %d bytes", len(hashBytes))
	}
	var hash types.Hash
	copy(hash[:], hashBytes)

	height, _ := getUint64(bs.db, keyHeight)
	weight, _ := getUint64(bs.db, keyWeight)
	difficulty, _ := getUint64(bs.db, keyDifficulty)
	subSlotIters, _ := getUint64(bs.db, keySubSlotIters)

	return State{
		PeakHash:     hash,
		Height:       height,
		TotalWeight:  weight,
		Difficulty:   difficulty,
		SubSlotIters: subSlotIters,
	}, nil
}

// PutUndo stores undo data for a block (used for reorgs).
func (bs *BlockStore) PutUndo(hash types.Hash, data []byte) error {
	return bs.db.Put(undoKey(hash), data)
}

// GetUndo retrieves undo data for a block.
func (bs *BlockStore) GetUndo(hash types.Hash) ([]byte, error) {
	return bs.db.Get(undoKey(hash))
}

// DeleteUndo removes undo data for a block.
func (bs *BlockStore) DeleteUndo(hash types.Hash) error {
	return bs.db.Delete(undoKey(hash))
}

// PutSubEpochSummary stores a sub-epoch summary at the given index, used
// to build and verify weight proofs.
func (bs *BlockStore) PutSubEpochSummary(index uint64, data []byte) error {
	return bs.db.Put(subEpochKey(index), data)
}

// GetSubEpochSummary retrieves a sub-epoch summary by index.
func (bs *BlockStore) GetSubEpochSummary(index uint64) ([]byte, error) {
	return bs.db.Get(subEpochKey(index))
}

// DeleteSubEpochSummary removes a sub-epoch summary, used when a reorg
// reverts past the height that recorded it.
func (bs *BlockStore) DeleteSubEpochSummary(index uint64) error {
	return bs.db.Delete(subEpochKey(index))
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes during reorg, this marker triggers a full rebuild
// on restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	return putUint64(bs.db, keyReorgCheckpoint, forkHeight)
}

// GetReorgCheckpoint returns the fork height and true if a reorg
// checkpoint exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	v, ok := getUint64(bs.db, keyReorgCheckpoint)
	return v, ok
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}

// PutGenesisRecords persists the coin records genesis created. Genesis
// coins have no generator program to replay them from, so a full
// rebuild needs this saved alongside the genesis block itself.
func (bs *BlockStore) PutGenesisRecords(records []types.CoinRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("genesis records marshal: %w", err)
	}
	return bs.db.Put(keyGenesisRecords, data)
}

// GetGenesisRecords retrieves the coin records genesis created.
func (bs *BlockStore) GetGenesisRecords() ([]types.CoinRecord, error) {
	data, err := bs.db.Get(keyGenesisRecords)
	if err != nil {
		return nil, fmt.Errorf("genesis records get: %w", err)
	}
	var records []types.CoinRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("genesis records unmarshal: %w", err)
	}
	return records, nil
}

// ClearCoinRecords deletes every coin record and puzzle-hash index entry.
// Used only by the full-rebuild reorg fallback, which repopulates the
// coin set from genesis through the current tip.
func (bs *BlockStore) ClearCoinRecords() error {
	var keys [][]byte
	if err := bs.db.ForEach(prefixCoin, func(key, _ []byte) error {
		keys = append(keys, append([]byte{}, key...))
		return nil
	}); err != nil {
		return fmt.Errorf("scan coin records: %w", err)
	}
	if err := bs.db.ForEach(prefixPuzzleHash, func(key, _ []byte) error {
		keys = append(keys, append([]byte{}, key...))
		return nil
	}); err != nil {
		return fmt.Errorf("scan puzzle hash index: %w", err)
	}
	for _, k := range keys {
		if err := bs.db.Delete(k); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
	}
	return nil
}

func blockKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func coinKey(id types.Hash) []byte {
	return append(append([]byte{}, prefixCoin...), id[:]...)
}

func puzzleHashKey(ph, id types.Hash) []byte {
	key := make([]byte, len(prefixPuzzleHash)+types.HashSize+types.HashSize)
	copy(key, prefixPuzzleHash)
	copy(key[len(prefixPuzzleHash):], ph[:])
	copy(key[len(prefixPuzzleHash)+types.HashSize:], id[:])
	return key
}

func undoKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixUndo...), hash[:]...)
}

func subEpochKey(index uint64) []byte {
	key := make([]byte, len(prefixSubEpoch)+8)
	copy(key, prefixSubEpoch)
	binary.BigEndian.PutUint64(key[len(prefixSubEpoch):], index)
	return key
}

func putUint64(db storage.DB, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return db.Put(key, buf[:])
}

func getUint64(db storage.DB, key []byte) (uint64, bool) {
	data, err := db.Get(key)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}
