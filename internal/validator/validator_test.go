package validator

import (
	"testing"
	"time"

	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/program"
	"github.com/klingnet-network/klingnet/pkg/types"
)

var (
	testFarmerKey, _ = crypto.GenerateKey()
	testPoolKey, _   = crypto.GenerateKey()
)

func genesisBlock() *block.Block {
	h := &block.Header{
		Version:    block.CurrentVersion,
		Height:     0,
		Weight:     0,
		Difficulty: 0,
		ProofOfSpace: block.ProofOfSpace{
			ChallengeHash: types.Hash{0x01},
			PlotPublicKey: testFarmerKey.PublicKey(),
			PoolPublicKey: testPoolKey.PublicKey(),
			Size:          32,
			Proof:         make([]byte, 256),
		},
		Foliage: block.Foliage{Timestamp: 1700000000},
	}
	signFoliage(h)
	return block.NewBlock(h, nil, nil)
}

// signFoliage (re-)signs h.Foliage with the test farmer/pool keys. Call it
// last, after every field that feeds Foliage.Hash() (PrevBlockHash,
// FoliageTransactionBlockHash, Timestamp) has its final value.
func signFoliage(h *block.Header) {
	foliageHash := h.Foliage.Hash()
	farmerSig, err := testFarmerKey.Sign(foliageHash[:])
	if err != nil {
		panic(err)
	}
	poolSig, err := testPoolKey.Sign(foliageHash[:])
	if err != nil {
		panic(err)
	}
	h.Foliage.FarmerSignature = farmerSig
	h.Foliage.PoolSignature = poolSig
}

func TestValidateGenesisOk(t *testing.T) {
	blk := genesisBlock()
	res := Validate(blk, ParentContext{}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err != nil {
		t.Fatalf("expected ok, got error: %+v", res.Err)
	}
	if res.Ok.Height != 0 {
		t.Errorf("expected height 0, got %d", res.Ok.Height)
	}
}

func TestValidateRejectsBadGenesisHeight(t *testing.T) {
	blk := genesisBlock()
	blk.Header.Height = 1
	res := Validate(blk, ParentContext{}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err == nil || res.Err.Kind != ErrBadHeight {
		t.Fatalf("expected ErrBadHeight, got %+v", res)
	}
}

func TestValidateRejectsFutureTimestamp(t *testing.T) {
	blk := genesisBlock()
	blk.Header.Foliage.Timestamp = uint64(time.Unix(1700000100, 0).Add(time.Hour).Unix())
	res := Validate(blk, ParentContext{}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err == nil || res.Err.Kind != ErrBadTimestamp {
		t.Fatalf("expected ErrBadTimestamp, got %+v", res)
	}
}

func TestValidateChildFollowsParent(t *testing.T) {
	parent := genesisBlock()
	parentHash := parent.Header.Hash()

	child := genesisBlock()
	child.Header.Height = 1
	child.Header.Difficulty = 5
	child.Header.Weight = 5
	child.Header.PrevHash = parentHash
	child.Header.Foliage.Timestamp = parent.Header.Foliage.Timestamp + 10
	signFoliage(child.Header)

	res := Validate(child, ParentContext{ParentHeader: parent.Header, Difficulty: 5}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err != nil {
		t.Fatalf("expected ok, got error: %+v", res.Err)
	}
	if res.Ok.Weight != 5 {
		t.Errorf("expected weight 5, got %d", res.Ok.Weight)
	}
}

func TestValidateRejectsBadFarmerSignature(t *testing.T) {
	blk := genesisBlock()
	blk.Header.Foliage.FarmerSignature = blk.Header.Foliage.PoolSignature
	res := Validate(blk, ParentContext{}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err == nil || res.Err.Kind != ErrBadFoliageSignature {
		t.Fatalf("expected ErrBadFoliageSignature, got %+v", res)
	}
}

func TestValidateRejectsBadPoolSignature(t *testing.T) {
	blk := genesisBlock()
	blk.Header.Foliage.PoolSignature = blk.Header.Foliage.FarmerSignature
	res := Validate(blk, ParentContext{}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err == nil || res.Err.Kind != ErrBadFoliageSignature {
		t.Fatalf("expected ErrBadFoliageSignature, got %+v", res)
	}
}

func TestValidatePoolContractSkipsPoolSignature(t *testing.T) {
	blk := genesisBlock()
	blk.Header.ProofOfSpace.PoolContractPuzzleHash = types.Hash{0x42}
	blk.Header.Foliage.PoolSignature = nil
	res := Validate(blk, ParentContext{}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err != nil {
		t.Fatalf("expected ok with pool contract and no pool signature, got error: %+v", res.Err)
	}
}

// fakeBlockEvaluator returns a fixed BlockProgramResult regardless of
// its generator/refList arguments, standing in for an external script
// evaluator in transaction-step tests.
type fakeBlockEvaluator struct {
	result program.BlockProgramResult
}

func (f fakeBlockEvaluator) RunBlockProgram(generator []byte, refList []types.Hash, costLimit uint64) (program.BlockProgramResult, error) {
	return f.result, nil
}

func txBlock(t *testing.T) *block.Block {
	t.Helper()
	h := &block.Header{
		Version:    block.CurrentVersion,
		Height:     0,
		Weight:     0,
		Difficulty: 0,
		ProofOfSpace: block.ProofOfSpace{
			ChallengeHash: types.Hash{0x01},
			PlotPublicKey: testFarmerKey.PublicKey(),
			PoolPublicKey: testPoolKey.PublicKey(),
			Size:          32,
			Proof:         make([]byte, 256),
		},
		Foliage: block.Foliage{Timestamp: 1700000000},
	}
	refs := []types.Hash{{0x01}}
	h.TransactionsRoot = block.ComputeMerkleRoot(refs)
	signFoliage(h)
	return block.NewBlock(h, []byte{0xaa}, refs)
}

func coinLookup(records map[types.Hash]types.CoinRecord) func(types.Hash) (types.CoinRecord, bool) {
	return func(id types.Hash) (types.CoinRecord, bool) {
		rec, ok := records[id]
		return rec, ok
	}
}

func TestValidateConservationHolds(t *testing.T) {
	removedID := types.Hash{0x11}
	removed := types.CoinRecord{Coin: types.Coin{PuzzleHash: types.Hash{0x01}, Amount: 1000}}
	addition := types.Coin{ParentCoinID: removedID, PuzzleHash: types.Hash{0x02}, Amount: 900}

	blk := txBlock(t)
	eval := fakeBlockEvaluator{result: program.BlockProgramResult{
		Additions:    []types.Coin{addition},
		Removals:     []types.Hash{removedID},
		DeclaredFees: 100,
	}}

	ctx := ParentContext{
		BlockCostLimit: 1000,
		CoinExists:     coinLookup(map[types.Hash]types.CoinRecord{removedID: removed}),
	}
	res := Validate(blk, ctx, Verifiers{Program: eval}, time.Unix(1700000100, 0))
	if res.Err != nil {
		t.Fatalf("expected ok, got error: %+v", res.Err)
	}
	if len(res.Ok.AddedCoins) != 1 || len(res.Ok.RemovedCoinIDs) != 1 {
		t.Errorf("expected one addition and one removal, got %+v", res.Ok)
	}
}

func TestValidateRejectsConservationMismatch(t *testing.T) {
	removedID := types.Hash{0x11}
	removed := types.CoinRecord{Coin: types.Coin{PuzzleHash: types.Hash{0x01}, Amount: 1000}}
	addition := types.Coin{ParentCoinID: removedID, PuzzleHash: types.Hash{0x02}, Amount: 950}

	blk := txBlock(t)
	eval := fakeBlockEvaluator{result: program.BlockProgramResult{
		Additions:    []types.Coin{addition},
		Removals:     []types.Hash{removedID},
		DeclaredFees: 100, // 1000 != 950 + 100
	}}

	ctx := ParentContext{
		BlockCostLimit: 1000,
		CoinExists:     coinLookup(map[types.Hash]types.CoinRecord{removedID: removed}),
	}
	res := Validate(blk, ctx, Verifiers{Program: eval}, time.Unix(1700000100, 0))
	if res.Err == nil || res.Err.Kind != ErrBadTransactions {
		t.Fatalf("expected ErrBadTransactions, got %+v", res)
	}
}

func TestValidateConservationHonorsBlockReward(t *testing.T) {
	removedID := types.Hash{0x11}
	removed := types.CoinRecord{Coin: types.Coin{PuzzleHash: types.Hash{0x01}, Amount: 1000}}
	addition := types.Coin{ParentCoinID: removedID, PuzzleHash: types.Hash{0x02}, Amount: 1100}

	blk := txBlock(t)
	eval := fakeBlockEvaluator{result: program.BlockProgramResult{
		Additions: []types.Coin{addition},
		Removals:  []types.Hash{removedID},
	}}

	ctx := ParentContext{
		BlockCostLimit: 1000,
		BlockReward:    100, // 1000 + 100 == 1100 + 0
		CoinExists:     coinLookup(map[types.Hash]types.CoinRecord{removedID: removed}),
	}
	res := Validate(blk, ctx, Verifiers{Program: eval}, time.Unix(1700000100, 0))
	if res.Err != nil {
		t.Fatalf("expected ok, got error: %+v", res.Err)
	}
}

func TestValidateRejectsAdditionCollidingWithUnspentCoin(t *testing.T) {
	removedID := types.Hash{0x11}
	removed := types.CoinRecord{Coin: types.Coin{PuzzleHash: types.Hash{0x01}, Amount: 1000}}
	addition := types.Coin{ParentCoinID: types.Hash{0x99}, PuzzleHash: types.Hash{0x03}, Amount: 500}

	blk := txBlock(t)
	eval := fakeBlockEvaluator{result: program.BlockProgramResult{
		Additions:    []types.Coin{addition},
		Removals:     []types.Hash{removedID},
		DeclaredFees: 500,
	}}

	records := map[types.Hash]types.CoinRecord{
		removedID:    removed,
		addition.ID(): {Coin: addition}, // already exists, unspent
	}
	ctx := ParentContext{
		BlockCostLimit: 1000,
		CoinExists:     coinLookup(records),
	}
	res := Validate(blk, ctx, Verifiers{Program: eval}, time.Unix(1700000100, 0))
	if res.Err == nil || res.Err.Kind != ErrBadTransactions {
		t.Fatalf("expected ErrBadTransactions for colliding addition, got %+v", res)
	}
}

func TestValidateAllowsAdditionMatchingSpentCoinID(t *testing.T) {
	removedID := types.Hash{0x11}
	removed := types.CoinRecord{Coin: types.Coin{PuzzleHash: types.Hash{0x01}, Amount: 1000}}
	addition := types.Coin{ParentCoinID: types.Hash{0x99}, PuzzleHash: types.Hash{0x03}, Amount: 500}

	blk := txBlock(t)
	eval := fakeBlockEvaluator{result: program.BlockProgramResult{
		Additions:    []types.Coin{addition},
		Removals:     []types.Hash{removedID},
		DeclaredFees: 500,
	}}

	spentRecord := types.CoinRecord{Coin: addition, SpentHeight: 1}
	records := map[types.Hash]types.CoinRecord{
		removedID:     removed,
		addition.ID(): spentRecord,
	}
	ctx := ParentContext{
		BlockCostLimit: 1000,
		CoinExists:     coinLookup(records),
	}
	res := Validate(blk, ctx, Verifiers{Program: eval}, time.Unix(1700000100, 0))
	if res.Err != nil {
		t.Fatalf("expected ok when colliding id is already spent, got error: %+v", res.Err)
	}
}

func TestValidateRejectsBadWeight(t *testing.T) {
	parent := genesisBlock()
	parentHash := parent.Header.Hash()

	child := genesisBlock()
	child.Header.Height = 1
	child.Header.Difficulty = 5
	child.Header.Weight = 999
	child.Header.PrevHash = parentHash
	child.Header.Foliage.Timestamp = parent.Header.Foliage.Timestamp + 10

	res := Validate(child, ParentContext{ParentHeader: parent.Header, Difficulty: 5}, Verifiers{}, time.Unix(1700000100, 0))
	if res.Err == nil || res.Err.Kind != ErrBadWeight {
		t.Fatalf("expected ErrBadWeight, got %+v", res)
	}
}
