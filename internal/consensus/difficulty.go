// Package consensus holds the chain-wide constants and pure functions
// that both validation and the sync engine need to agree on: difficulty
// retargeting, and the interfaces the external proof-of-space and
// verifiable-delay-function provers are verified through.
package consensus

import (
	"errors"
	"fmt"
	"math/big"
)

// Difficulty errors.
var (
	ErrZeroDifficulty = errors.New("difficulty must be > 0")
	ErrBadDifficulty  = errors.New("block difficulty does not match expected")
)

// Difficulty tracks the retarget parameters for a network: how often
// difficulty is recalculated (EpochLength, in sub-slots) and the
// difficulty and sub-slot iteration count the chain starts from.
type Difficulty struct {
	InitialDifficulty   uint64
	InitialSubSlotIters uint64
	EpochLength         uint64 // sub-slots between retargets
}

// NewDifficulty validates and constructs a Difficulty tracker.
func NewDifficulty(initial, initialSubSlotIters, epochLength uint64) (*Difficulty, error) {
	if initial == 0 {
		return nil, ErrZeroDifficulty
	}
	return &Difficulty{
		InitialDifficulty:   initial,
		InitialSubSlotIters: initialSubSlotIters,
		EpochLength:         epochLength,
	}, nil
}

// ShouldRetarget reports whether the sub-slot at the given index within
// the chain closes an epoch (a multiple of EpochLength) and therefore
// carries a new difficulty.
func (d *Difficulty) ShouldRetarget(subSlotIndex uint64) bool {
	return d.EpochLength > 0 && subSlotIndex > 0 && subSlotIndex%d.EpochLength == 0
}

// CalcNextDifficulty computes the new difficulty after a retarget period.
// actualTimeSpan is the elapsed iterations for the last epoch;
// expectedTimeSpan is epochLength * targetIters. The result is clamped
// to [oldDiff/4, oldDiff*4] and never below 1, matching the conservative
// per-period adjustment bound used for proof-of-work retargeting, which
// applies equally well to a VDF-iteration-based clock: bounding the
// swing keeps a burst of unusually fast or slow timelords from
// whipsawing the target in one step.
func CalcNextDifficulty(currentDiff uint64, actualTimeSpan, expectedTimeSpan int64) uint64 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	cur := new(big.Int).SetUint64(currentDiff)
	exp := new(big.Int).SetInt64(expectedTimeSpan)
	act := new(big.Int).SetInt64(actualTimeSpan)

	result := new(big.Int).Mul(cur, exp)
	result.Div(result, act)

	if result.Sign() <= 0 || !result.IsUint64() {
		return 1
	}
	d := result.Uint64()
	if d < 1 {
		d = 1
	}
	return d
}

// ExpectedDifficulty computes the difficulty a block at height should
// carry, given the previous sub-epoch's difficulty and a timestamp
// lookup over iteration counts for the closed epoch.
func ExpectedDifficulty(height uint64, prevDifficulty uint64, atRetarget bool, actualIters, expectedIters int64) uint64 {
	if height == 0 || prevDifficulty == 0 {
		return prevDifficulty
	}
	if !atRetarget {
		return prevDifficulty
	}
	return CalcNextDifficulty(prevDifficulty, actualIters, expectedIters)
}

// VerifyDifficulty checks that a header's stated difficulty matches the
// expected value computed from chain history.
func VerifyDifficulty(headerDifficulty, height, prevDifficulty uint64, atRetarget bool, actualIters, expectedIters int64) error {
	expected := ExpectedDifficulty(height, prevDifficulty, atRetarget, actualIters, expectedIters)
	if headerDifficulty != expected {
		return fmt.Errorf("%w: height %d has difficulty %d, want %d", ErrBadDifficulty, height, headerDifficulty, expected)
	}
	return nil
}
