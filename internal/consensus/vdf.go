package consensus

import (
	"errors"

	"github.com/klingnet-network/klingnet/pkg/block"
)

// ErrVDFRejected is returned when an external VDF verifier rejects a
// proof outright.
var ErrVDFRejected = errors.New("vdf proof rejected by verifier")

// VDFVerifier checks that a claimed VDF output is the correct result of
// running the delay function over Challenge for NumberOfIterations
// steps. The core never computes VDFs; it only ever calls this
// interface, which a real deployment backs with a timelord client.
type VDFVerifier interface {
	Verify(info block.VDFInfo) (bool, error)
}

// VerifyVDF checks a single VDF output against its claimed challenge and
// iteration count.
func VerifyVDF(verifier VDFVerifier, info block.VDFInfo) error {
	ok, err := verifier.Verify(info)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVDFRejected
	}
	return nil
}

// VerifySubSlot checks every VDF carried by a sub-slot: the
// challenge-chain end-of-slot VDF, and, when present, the infused
// challenge-chain end-of-slot VDF.
func VerifySubSlot(verifier VDFVerifier, slot block.SubSlotInfo) error {
	if err := VerifyVDF(verifier, slot.ChallengeChainEndOfSlotVDF); err != nil {
		return err
	}
	if slot.InfusedChallengeChainEndOfSlotVDF != nil {
		if err := VerifyVDF(verifier, *slot.InfusedChallengeChainEndOfSlotVDF); err != nil {
			return err
		}
	}
	return nil
}
