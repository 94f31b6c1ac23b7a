package consensus

import (
	"errors"
	"math/big"

	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// ErrProofRejected is returned when an external proof-of-space verifier
// rejects a proof outright.
var ErrProofRejected = errors.New("proof of space rejected by verifier")

// PoSpaceVerifier checks a proof of space against a challenge and
// signage point, and on success returns the quality string the proof
// derives its lottery outcome from. The core never generates proofs; it
// only ever calls this interface, which a real deployment backs with
// the out-of-process plotter/harvester.
type PoSpaceVerifier interface {
	Verify(pos block.ProofOfSpace, challenge types.Hash, signagePointIndex uint8) (qualityString []byte, err error)
}

// RequiredIters derives the number of VDF iterations a proof of space
// must wait out between its signage point and its infusion point, from
// the proof's quality string and the current difficulty and sub-slot
// iteration count. A smaller quality value (interpreted as an integer)
// yields a smaller required_iters, which is how plot size and luck
// translate into how soon a given proof is allowed to be infused.
func RequiredIters(qualityString []byte, difficulty uint64, subSlotIters uint64) uint64 {
	if len(qualityString) == 0 || difficulty == 0 || subSlotIters == 0 {
		return subSlotIters
	}
	q := new(big.Int).SetBytes(qualityString)
	qMax := new(big.Int).Lsh(big.NewInt(1), uint(len(qualityString)*8))

	iters := new(big.Int).Mul(q, big.NewInt(int64(subSlotIters)))
	iters.Div(iters, qMax)

	diffScaled := new(big.Int).Div(iters, new(big.Int).SetUint64(difficulty))
	if !diffScaled.IsUint64() {
		return subSlotIters
	}
	result := diffScaled.Uint64()
	if result == 0 {
		result = 1
	}
	if result > subSlotIters {
		result = subSlotIters
	}
	return result
}

// VerifyProofOfSpace checks that a header's claimed proof of space is
// valid for its challenge and signage point, and that the required
// iterations it derives leave room before the claimed infusion point.
func VerifyProofOfSpace(verifier PoSpaceVerifier, pos block.ProofOfSpace, challenge types.Hash, sp block.SignagePoint, difficulty, subSlotIters uint64, infusionIters uint64) (uint64, error) {
	quality, err := verifier.Verify(pos, challenge, sp.Index)
	if err != nil {
		return 0, err
	}
	if quality == nil {
		return 0, ErrProofRejected
	}
	required := RequiredIters(quality, difficulty, subSlotIters)
	if required >= infusionIters {
		return 0, errors.New("proof of space required_iters exceeds available iterations to infusion point")
	}
	return required, nil
}
