package mempool

import (
	"fmt"

	"github.com/klingnet-network/klingnet/pkg/types"
)

// DefaultMaxBundleSpends bounds how many coin spends a single spend
// bundle may carry, independent of its cost, so a bundle with many
// trivial spends cannot exhaust memory before its cost is even known.
const DefaultMaxBundleSpends = 1000

// DefaultCapacityBlocks is the mempool's default total-cost budget,
// expressed as a multiple of a single bundle's per-bundle cost limit
// (itself normally set to the block cost limit), matching spec.md
// §4.3's "approximately several block cost limits".
const DefaultCapacityBlocks = 10

// Policy defines spend-bundle acceptance rules. These are separate from
// consensus validation: policy rules can vary per node and exist only
// to keep the mempool itself healthy, not to decide what a block may
// contain.
type Policy struct {
	MaxBundleSpends int
	// MaxPuzzleRevealSize and MaxSolutionSize bound a single coin
	// spend's program bytes, a cheap check to reject oversized spends
	// before running them through the evaluator at all.
	MaxPuzzleRevealSize int
	MaxSolutionSize     int
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxBundleSpends:     DefaultMaxBundleSpends,
		MaxPuzzleRevealSize: 64 << 10,
		MaxSolutionSize:     64 << 10,
	}
}

// Check validates a spend bundle's shape against policy rules, before
// it is ever run through the puzzle evaluator.
func (p *Policy) Check(bundle types.SpendBundle) error {
	if len(bundle.CoinSpends) == 0 {
		return fmt.Errorf("spend bundle has no coin spends")
	}
	if p.MaxBundleSpends > 0 && len(bundle.CoinSpends) > p.MaxBundleSpends {
		return fmt.Errorf("too many coin spends: %d, max %d", len(bundle.CoinSpends), p.MaxBundleSpends)
	}
	for i, cs := range bundle.CoinSpends {
		if p.MaxPuzzleRevealSize > 0 && len(cs.PuzzleReveal) > p.MaxPuzzleRevealSize {
			return fmt.Errorf("coin spend %d puzzle reveal too large: %d bytes, max %d", i, len(cs.PuzzleReveal), p.MaxPuzzleRevealSize)
		}
		if p.MaxSolutionSize > 0 && len(cs.Solution) > p.MaxSolutionSize {
			return fmt.Errorf("coin spend %d solution too large: %d bytes, max %d", i, len(cs.Solution), p.MaxSolutionSize)
		}
	}
	return nil
}
