package config

import (
	"fmt"

	"github.com/klingnet-network/klingnet/internal/chain"
	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// NetworkConstants pins every consensus-critical parameter that must be
// identical across all nodes on a network: the genesis challenge, the
// initial difficulty/sub-slot-iters pair, the cadence at which those
// values are recomputed, and the heights at which protocol changes
// activate. Unlike FullNodeConfig, nothing here is operator-tunable.
type NetworkConstants struct {
	Name NetworkType

	// GenesisChallenge seeds the first signage point's VDF chain. Every
	// proof of space in the genesis sub-slot is checked against it.
	GenesisChallenge types.Hash

	// GenesisTimestamp is the Foliage timestamp recorded in the height-0
	// block.
	GenesisTimestamp uint64

	// DifficultyConstantFactor scales the iterations-per-second estimate
	// used when retargeting difficulty at each epoch boundary.
	DifficultyConstantFactor uint64

	// InitialDifficulty and InitialSubSlotIters seed the first epoch,
	// before any retarget has occurred.
	InitialDifficulty   uint64
	InitialSubSlotIters uint64

	// EpochLength is the number of sub-slots between difficulty
	// retargets, and SubEpochLength is the number of block heights
	// between weight-proof checkpoint summaries (a divisor of EpochLength).
	EpochLength    uint64
	SubEpochLength uint64

	// PlotFilterHeights marks the heights at which the plot filter
	// (the fraction of proofs of space a farmer is allowed to submit,
	// used to bound required per-proof lookup cost) tightens, each
	// halving the previous fraction.
	PlotFilterHeights []uint64

	// HardForkHeight is the height at which the most recent breaking
	// protocol change activates. Zero means no fork is scheduled.
	HardForkHeight uint64

	// BlockCostLimit bounds the total execution cost a block's
	// generator program may spend.
	BlockCostLimit uint64

	// AggSigMeExtraData is mixed into every AGG_SIG_ME condition's
	// signed message, domain-separating this network's signatures from
	// any other network sharing the same key space.
	AggSigMeExtraData []byte

	// BlockReward is the amount newly minted by every transactions
	// block, checked by the conservation rule in spec.md §4.1.7. Flat
	// per-block rather than halving, since the genesis allocation
	// already pre-farms the long-term pool/farmer reserves.
	BlockReward uint64

	// Alloc pre-farms the pool and farmer reserves at genesis.
	Alloc []GenesisAllocation
}

// GenesisAllocation pre-farms a single coin to a puzzle hash at genesis.
type GenesisAllocation struct {
	PuzzleHash types.Hash `json:"puzzle_hash"`
	Amount     uint64     `json:"amount"`
}

// ForkSchedule reports whether HardForkHeight has activated at a given
// chain height. Kept as its own type, rather than a bare field check,
// so additional forks can be added here without touching call sites.
type ForkSchedule struct {
	HardForkHeight uint64
}

// IsActive returns true once currentHeight has reached the scheduled
// fork height. A zero fork height means the fork is not scheduled.
func (f ForkSchedule) IsActive(currentHeight uint64) bool {
	return f.HardForkHeight > 0 && currentHeight >= f.HardForkHeight
}

// Forks returns this network's fork activation schedule.
func (n NetworkConstants) Forks() ForkSchedule {
	return ForkSchedule{HardForkHeight: n.HardForkHeight}
}

// ToGenesisConfig converts the network constants into the
// internal/chain genesis parameters used to build the height-0 block.
func (n NetworkConstants) ToGenesisConfig() chain.GenesisConfig {
	alloc := make([]chain.GenesisAllocation, len(n.Alloc))
	for i, a := range n.Alloc {
		alloc[i] = chain.GenesisAllocation{PuzzleHash: a.PuzzleHash, Amount: a.Amount}
	}
	return chain.GenesisConfig{
		ChallengeHash:       n.GenesisChallenge,
		Timestamp:           n.GenesisTimestamp,
		Difficulty:          n.InitialDifficulty,
		InitialSubSlotIters: n.InitialSubSlotIters,
		Alloc:               alloc,
	}
}

// Validate checks that the network constants form a usable genesis.
func (n NetworkConstants) Validate() error {
	if n.InitialDifficulty == 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}
	if n.InitialSubSlotIters == 0 {
		return fmt.Errorf("initial_sub_slot_iters must be positive")
	}
	if n.EpochLength == 0 {
		return fmt.Errorf("epoch_length must be positive")
	}
	if n.SubEpochLength == 0 || n.EpochLength%n.SubEpochLength != 0 {
		return fmt.Errorf("sub_epoch_length must be a positive divisor of epoch_length")
	}
	if len(n.Alloc) == 0 {
		return fmt.Errorf("genesis requires at least one allocation")
	}
	var total uint64
	for _, a := range n.Alloc {
		total += a.Amount
	}
	if total == 0 {
		return fmt.Errorf("genesis allocations sum to zero")
	}
	return nil
}

// =============================================================================
// Well-known reserve puzzle hashes
//
// Pool and farmer reserves are pre-farmed to puzzle hashes derived by
// hashing a fixed label, the same way a wallet derives a puzzle hash
// from a public key, so they are reproducible without shipping a real
// keypair in source control.
// =============================================================================

func reservePuzzleHash(label string) types.Hash {
	return crypto.Hash([]byte(label))
}

// =============================================================================
// Pre-defined network constants
// =============================================================================

// MainnetConstants returns the mainnet network constants.
func MainnetConstants() NetworkConstants {
	return NetworkConstants{
		Name:                     Mainnet,
		GenesisChallenge:         crypto.Hash([]byte("klingnet-mainnet-genesis-challenge")),
		GenesisTimestamp:         1770734103, // 2026-02-10
		DifficultyConstantFactor: 1 << 25,
		InitialDifficulty:        1_000,
		InitialSubSlotIters:      1 << 25,
		EpochLength:              4608,
		SubEpochLength:           384,
		PlotFilterHeights:        []uint64{193536, 236544, 279552},
		HardForkHeight:           0,
		BlockCostLimit:           11_000_000_000,
		AggSigMeExtraData:        []byte("klingnet-mainnet"),
		BlockReward:              1_000_000_000_000,
		Alloc: []GenesisAllocation{
			{PuzzleHash: reservePuzzleHash("klingnet-mainnet-pool-reserve"), Amount: 21_000_000 * 1_000_000_000_000},
			{PuzzleHash: reservePuzzleHash("klingnet-mainnet-farmer-reserve"), Amount: 1_000_000 * 1_000_000_000_000},
		},
	}
}

// TestnetConstants returns the testnet network constants: a much
// shorter epoch so retargeting and sub-epoch checkpoints can be
// exercised without waiting on mainnet-scale block counts.
func TestnetConstants() NetworkConstants {
	return NetworkConstants{
		Name:                     Testnet,
		GenesisChallenge:         crypto.Hash([]byte("klingnet-testnet-genesis-challenge")),
		GenesisTimestamp:         1770734103,
		DifficultyConstantFactor: 1 << 20,
		InitialDifficulty:        10,
		InitialSubSlotIters:      1 << 18,
		EpochLength:              256,
		SubEpochLength:           32,
		PlotFilterHeights:        []uint64{1000, 2000, 3000},
		HardForkHeight:           0,
		BlockCostLimit:           11_000_000_000,
		AggSigMeExtraData:        []byte("klingnet-testnet"),
		BlockReward:              1_000_000_000_000,
		Alloc: []GenesisAllocation{
			{PuzzleHash: reservePuzzleHash("klingnet-testnet-pool-reserve"), Amount: 200_000 * 1_000_000_000_000},
			{PuzzleHash: reservePuzzleHash("klingnet-testnet-farmer-reserve"), Amount: 50_000 * 1_000_000_000_000},
		},
	}
}

// ConstantsFor returns the network constants for the given network.
func ConstantsFor(network NetworkType) NetworkConstants {
	switch network {
	case Testnet:
		return TestnetConstants()
	default:
		return MainnetConstants()
	}
}
