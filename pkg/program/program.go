// Package program defines the contract between the chain core and the
// external, pure script/puzzle evaluator. The core never interprets a
// puzzle itself; it treats evaluation as a deterministic black box and
// only checks the shape and cost of what comes back.
package program

import (
	"errors"

	"github.com/klingnet-network/klingnet/pkg/types"
)

// ConditionCode identifies a condition a puzzle can assert when it runs.
// These mirror the fixed set a coin-spend puzzle is allowed to declare;
// the evaluator is trusted to enforce their semantics, the chain core
// only aggregates and checks them.
type ConditionCode uint8

const (
	// ConditionAggSigMe asserts that the aggregate signature must include
	// a signature by PublicKey over (Message || coin_id || agg_sig_me_salt).
	ConditionAggSigMe ConditionCode = iota + 1
	// ConditionCreateCoin asserts that a new coin is created with the
	// given puzzle hash and amount, parented on the spent coin.
	ConditionCreateCoin
	// ConditionReserveFee asserts that at least Amount of value in this
	// spend bundle is not re-created as a coin, i.e. is paid as fee.
	ConditionReserveFee
	// ConditionAssertHeightRelative asserts the spend may only be
	// included at least Amount blocks after the spent coin's
	// confirmation height.
	ConditionAssertHeightRelative
	// ConditionAssertHeightAbsolute asserts the spend may only be
	// included at or after the given absolute height.
	ConditionAssertHeightAbsolute
	// ConditionAssertSecondsAbsolute asserts the spend may only be
	// included in a block whose foliage timestamp is at or after the
	// given Unix time.
	ConditionAssertSecondsAbsolute
)

// Condition is one assertion a puzzle raised while running. PublicKey and
// Message are populated only for ConditionAggSigMe; Amount is populated
// for the numeric conditions; PuzzleHash is populated for
// ConditionCreateCoin.
type Condition struct {
	Code       ConditionCode
	PublicKey  []byte
	Message    []byte
	PuzzleHash types.Hash
	Amount     uint64
}

// Result is what a single puzzle/solution evaluation yields: the coins
// it creates, the conditions it asserts, and the cost consumed doing so.
type Result struct {
	CreatedCoins []types.Coin
	Conditions   []Condition
	Cost         uint64
}

// ErrCostExceeded is returned when a program's cost would exceed the
// caller-supplied limit. The evaluator must stop and return this rather
// than complete an over-budget run.
var ErrCostExceeded = errors.New("program: cost limit exceeded")

// Evaluator runs puzzle reveals against their solutions. It is an
// external, pure, deterministic collaborator: for identical inputs it
// always returns identical outputs, and it never mutates chain state
// itself. The chain core depends only on this interface, never on a
// concrete evaluator implementation, so the evaluator can be swapped or
// run out-of-process without touching validation or mempool logic.
type Evaluator interface {
	// Run evaluates puzzleReveal against solution for a coin being spent,
	// charging at most costLimit. Exceeding costLimit must return
	// ErrCostExceeded, not a partial Result.
	Run(puzzleReveal, solution []byte, costLimit uint64) (Result, error)
}

// RunBlockProgram evaluates a block's generator program against its
// reference list, the external-collaborator equivalent of
// run_block_program(program, args, cost_limit). A nil generator (a pure
// sub-slot/signage-point block) trivially yields no additions, removals,
// or signature messages at zero cost.
type BlockProgramResult struct {
	Additions      []types.Coin
	Removals       []types.Hash
	AggSigMessages []AggSigMessage
	Cost           uint64

	// DeclaredFees is the sum of every ConditionReserveFee amount raised
	// across the block's coin spends, the fee side of the conservation
	// check in spec.md §4.1.7.
	DeclaredFees uint64
}

// AggSigMessage is one (public key, message) pair the aggregate
// signature over a block's transactions must cover.
type AggSigMessage struct {
	PublicKey []byte
	Message   []byte
}

// BlockEvaluator runs a whole block's generator program (which typically
// decodes and invokes one puzzle per referenced coin) under a single
// cost budget, returning the full set of coin effects and aggregate
// signature obligations in one deterministic call.
type BlockEvaluator interface {
	RunBlockProgram(generator []byte, refList []types.Hash, costLimit uint64) (BlockProgramResult, error)
}
