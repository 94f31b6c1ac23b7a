package chain

import "github.com/klingnet-network/klingnet/pkg/types"

// State is the chain's current view of consensus: the peak, its weight,
// and the parameters needed to validate the next block. Exactly one
// State is current at a time; fork choice always selects the header of
// greatest TotalWeight, breaking ties by lexicographically smaller
// header hash.
type State struct {
	PeakHash     types.Hash
	Height       uint64
	TotalWeight  uint64
	Difficulty   uint64
	SubSlotIters uint64
}

// IsGenesis reports whether the chain has not yet committed any block.
func (s State) IsGenesis() bool {
	return s.PeakHash.IsZero() && s.Height == 0 && s.TotalWeight == 0
}
