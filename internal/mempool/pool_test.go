package mempool

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/program"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// fakeEvaluator charges a fixed cost per coin spend and creates the
// coins its solution names, standing in for an external puzzle
// evaluator in tests.
type fakeEvaluator struct {
	costPerSpend uint64
}

func (f *fakeEvaluator) Run(puzzleReveal, solution []byte, costLimit uint64) (program.Result, error) {
	if f.costPerSpend > costLimit {
		return program.Result{}, program.ErrCostExceeded
	}
	var created []types.Coin
	var amount uint64
	if len(solution) >= types.HashSize+8 {
		var ph types.Hash
		copy(ph[:], solution[:types.HashSize])
		amount = binary.BigEndian.Uint64(solution[types.HashSize : types.HashSize+8])
		created = append(created, types.Coin{PuzzleHash: ph, Amount: amount})
	}
	var conds []program.Condition
	for _, c := range created {
		conds = append(conds, program.Condition{Code: program.ConditionCreateCoin, PuzzleHash: c.PuzzleHash, Amount: c.Amount})
	}
	return program.Result{
		CreatedCoins: created,
		Conditions:   conds,
		Cost:         f.costPerSpend,
	}, nil
}

func (f *fakeEvaluator) RunBlockProgram(generator []byte, refList []types.Hash, costLimit uint64) (program.BlockProgramResult, error) {
	return program.BlockProgramResult{}, errors.New("not used in these tests")
}

func solutionFor(ph types.Hash, amount uint64) []byte {
	return solutionForNonce(ph, amount, 0)
}

// solutionForNonce appends an extra byte the fake evaluator ignores, so
// two bundles can be given distinct identities without changing the
// fee the evaluator derives from them.
func solutionForNonce(ph types.Hash, amount uint64, nonce byte) []byte {
	sol := make([]byte, types.HashSize+9)
	copy(sol, ph[:])
	binary.BigEndian.PutUint64(sol[types.HashSize:], amount)
	sol[types.HashSize+8] = nonce
	return sol
}

func testCoin(seed byte, amount uint64) types.Coin {
	return types.Coin{
		ParentCoinID: types.Hash{seed},
		PuzzleHash:   types.Hash{seed, 0xaa},
		Amount:       amount,
	}
}

func bundleSpending(coin types.Coin, outputAmount uint64) types.SpendBundle {
	return types.SpendBundle{
		CoinSpends: []types.CoinSpend{{
			Coin:         coin,
			PuzzleReveal: []byte{0x01},
			Solution:     solutionFor(types.Hash{0xbb}, outputAmount),
		}},
	}
}

func unspentLookup(coins ...types.Coin) CoinLookup {
	set := make(map[types.Hash]types.CoinRecord)
	for _, c := range coins {
		set[c.ID()] = types.CoinRecord{Coin: c}
	}
	return func(id types.Hash) (types.CoinRecord, bool) {
		rec, ok := set[id]
		return rec, ok
	}
}

func TestPoolAddComputesFee(t *testing.T) {
	coin := testCoin(0x01, 1000)
	pool := New(&fakeEvaluator{costPerSpend: 10}, unspentLookup(coin), 100, 0, nil)

	fee, err := pool.Add(bundleSpending(coin, 900))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if fee != 100 {
		t.Fatalf("expected fee 100, got %d", fee)
	}
	if pool.Count() != 1 {
		t.Fatalf("expected 1 bundle in pool, got %d", pool.Count())
	}
}

func TestPoolRejectsUnknownCoin(t *testing.T) {
	coin := testCoin(0x01, 1000)
	pool := New(&fakeEvaluator{costPerSpend: 10}, unspentLookup(), 100, 0, nil)

	_, err := pool.Add(bundleSpending(coin, 900))
	if !errors.Is(err, ErrCoinNotFound) {
		t.Fatalf("expected ErrCoinNotFound, got %v", err)
	}
}

func TestPoolRejectsOverspend(t *testing.T) {
	coin := testCoin(0x01, 1000)
	pool := New(&fakeEvaluator{costPerSpend: 10}, unspentLookup(coin), 100, 0, nil)

	_, err := pool.Add(bundleSpending(coin, 1500))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPoolDuplicateRejected(t *testing.T) {
	coin := testCoin(0x01, 1000)
	pool := New(&fakeEvaluator{costPerSpend: 10}, unspentLookup(coin), 100, 0, nil)
	bundle := bundleSpending(coin, 900)

	if _, err := pool.Add(bundle); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := pool.Add(bundle); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPoolReplaceByFeeRequiresMargin(t *testing.T) {
	coin := testCoin(0x01, 1000)
	lookup := unspentLookup(coin)
	pool := New(&fakeEvaluator{costPerSpend: 100}, lookup, 100, 0, nil)

	low := types.SpendBundle{CoinSpends: []types.CoinSpend{{
		Coin: coin, PuzzleReveal: []byte{0x01}, Solution: solutionForNonce(types.Hash{0xbb}, 990, 1),
	}}} // fee 10
	if _, err := pool.Add(low); err != nil {
		t.Fatalf("add low: %v", err)
	}

	sameFee := types.SpendBundle{CoinSpends: []types.CoinSpend{{
		Coin: coin, PuzzleReveal: []byte{0x01}, Solution: solutionForNonce(types.Hash{0xbb}, 990, 2),
	}}} // fee 10, identical fee rate — no improvement at all
	if _, err := pool.Add(sameFee); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for no improvement, got %v", err)
	}

	muchHigher := bundleSpending(coin, 900) // fee 100, well above margin
	fee, err := pool.Add(muchHigher)
	if err != nil {
		t.Fatalf("expected replacement to succeed, got %v", err)
	}
	if fee != 100 {
		t.Fatalf("expected fee 100, got %d", fee)
	}
	if pool.Has(low.Name()) {
		t.Fatal("expected original bundle to be evicted by replacement")
	}
}

func TestPoolCapacityEvictsLowestFeeRate(t *testing.T) {
	var coins []types.Coin
	for i := byte(1); i <= 3; i++ {
		coins = append(coins, testCoin(i, 1000))
	}
	pool := New(&fakeEvaluator{costPerSpend: 10}, unspentLookup(coins...), 20, 0, nil)

	cheap := bundleSpending(coins[0], 995) // fee 5
	mid := bundleSpending(coins[1], 950)   // fee 50
	if _, err := pool.Add(cheap); err != nil {
		t.Fatalf("add cheap: %v", err)
	}
	if _, err := pool.Add(mid); err != nil {
		t.Fatalf("add mid: %v", err)
	}

	rich := bundleSpending(coins[2], 500) // fee 500, should evict cheap
	if _, err := pool.Add(rich); err != nil {
		t.Fatalf("add rich: %v", err)
	}
	if pool.Count() != 2 {
		t.Fatalf("expected pool capped at 2, got %d", pool.Count())
	}
	if pool.Has(cheap.Name()) {
		t.Fatal("expected lowest fee-rate bundle to be evicted")
	}
	if !pool.Has(rich.Name()) {
		t.Fatal("expected rich bundle to be admitted")
	}
}

func TestCreateBlockGeneratorOrdersByFeeRate(t *testing.T) {
	coins := []types.Coin{testCoin(0x01, 1000), testCoin(0x02, 1000)}
	pool := New(&fakeEvaluator{costPerSpend: 10}, unspentLookup(coins...), 100, 0, nil)

	low := bundleSpending(coins[0], 995)  // fee 5
	high := bundleSpending(coins[1], 500) // fee 500
	if _, err := pool.Add(low); err != nil {
		t.Fatalf("add low: %v", err)
	}
	if _, err := pool.Add(high); err != nil {
		t.Fatalf("add high: %v", err)
	}

	gen := pool.CreateBlockGenerator(1000)
	if len(gen.BundleNames) != 2 {
		t.Fatalf("expected both bundles selected, got %d", len(gen.BundleNames))
	}
	if gen.BundleNames[0] != high.Name() {
		t.Fatalf("expected higher fee-rate bundle first")
	}
}

func TestRebuildForPeakDropsSpentCoins(t *testing.T) {
	coin := testCoin(0x01, 1000)
	lookup := unspentLookup(coin)
	pool := New(&fakeEvaluator{costPerSpend: 10}, lookup, 100, 0, nil)
	bundle := bundleSpending(coin, 900)
	if _, err := pool.Add(bundle); err != nil {
		t.Fatalf("add: %v", err)
	}

	spent := func(id types.Hash) (types.CoinRecord, bool) {
		rec, ok := lookup(id)
		if ok {
			rec.SpentHeight = 1
		}
		return rec, ok
	}
	pool.RebuildForPeak(1, spent)
	if pool.Has(bundle.Name()) {
		t.Fatal("expected bundle spending a now-spent coin to be dropped on rebuild")
	}
}

func TestPoolRemoveConfirmedClearsSpentCoins(t *testing.T) {
	coin := testCoin(0x01, 1000)
	pool := New(&fakeEvaluator{costPerSpend: 10}, unspentLookup(coin), 100, 0, nil)
	bundle := bundleSpending(coin, 900)
	if _, err := pool.Add(bundle); err != nil {
		t.Fatalf("add: %v", err)
	}

	pool.RemoveConfirmed([]types.Hash{coin.ID()})
	if pool.Has(bundle.Name()) {
		t.Fatal("expected confirmed bundle to be removed")
	}
}

// aggSigEvaluator raises a single ConditionAggSigMe obligation alongside
// the coin it creates, standing in for a puzzle whose solution demands
// an AGG_SIG_ME signature.
type aggSigEvaluator struct {
	pubKey        []byte
	message       []byte
	outPuzzleHash types.Hash
	outAmount     uint64
	cost          uint64
}

func (e *aggSigEvaluator) Run(puzzleReveal, solution []byte, costLimit uint64) (program.Result, error) {
	return program.Result{
		CreatedCoins: []types.Coin{{PuzzleHash: e.outPuzzleHash, Amount: e.outAmount}},
		Conditions: []program.Condition{
			{Code: program.ConditionAggSigMe, PublicKey: e.pubKey, Message: e.message},
			{Code: program.ConditionCreateCoin, PuzzleHash: e.outPuzzleHash, Amount: e.outAmount},
		},
		Cost: e.cost,
	}, nil
}

func (e *aggSigEvaluator) RunBlockProgram(generator []byte, refList []types.Hash, costLimit uint64) (program.BlockProgramResult, error) {
	return program.BlockProgramResult{}, errors.New("not used in these tests")
}

func TestPoolRejectsMissingAggregateSignature(t *testing.T) {
	coin := testCoin(0x01, 1000)
	sk, err := crypto.GenerateBLSKey(make([]byte, 32))
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}
	pk := crypto.BLSPublicKeyFromSecret(sk)
	evaluator := &aggSigEvaluator{
		pubKey:        crypto.SerializeBLSPublicKey(pk),
		message:       []byte("spend-coin"),
		outPuzzleHash: types.Hash{0xbb},
		outAmount:     900,
		cost:          10,
	}
	pool := New(evaluator, unspentLookup(coin), 100, 0, []byte("test-salt"))

	bundle := types.SpendBundle{CoinSpends: []types.CoinSpend{{
		Coin: coin, PuzzleReveal: []byte{0x01}, Solution: []byte{0x01},
	}}}
	if _, err := pool.Add(bundle); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for a bundle with no aggregate signature, got %v", err)
	}
}

func TestPoolAcceptsValidAggregateSignature(t *testing.T) {
	coin := testCoin(0x01, 1000)
	sk, err := crypto.GenerateBLSKey(make([]byte, 32))
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}
	pk := crypto.BLSPublicKeyFromSecret(sk)
	msg := []byte("spend-coin")
	salt := []byte("test-salt")
	sig := crypto.BLSSign(sk, append(append([]byte{}, msg...), salt...))
	agg, err := crypto.AggregateBLSSignatures([]*crypto.BLSSignature{sig})
	if err != nil {
		t.Fatalf("AggregateBLSSignatures: %v", err)
	}

	evaluator := &aggSigEvaluator{
		pubKey:        crypto.SerializeBLSPublicKey(pk),
		message:       msg,
		outPuzzleHash: types.Hash{0xbb},
		outAmount:     900,
		cost:          10,
	}
	pool := New(evaluator, unspentLookup(coin), 100, 0, salt)

	bundle := types.SpendBundle{
		CoinSpends: []types.CoinSpend{{
			Coin: coin, PuzzleReveal: []byte{0x01}, Solution: []byte{0x01},
		}},
		AggregatedSignature: crypto.SerializeBLSSignature(agg),
	}
	fee, err := pool.Add(bundle)
	if err != nil {
		t.Fatalf("expected bundle with a valid aggregate signature to be admitted, got %v", err)
	}
	if fee != 100 {
		t.Fatalf("expected fee 100, got %d", fee)
	}
}
