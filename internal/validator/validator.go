// Package validator implements the pure block-validation pipeline: given
// a parent chain state and a candidate block, it returns a typed result
// rather than raising through the caller. It touches no storage and
// starts no goroutines, so it can be exercised identically from the
// fast path, reorg replay, and tests.
package validator

import (
	"time"

	"github.com/klingnet-network/klingnet/internal/consensus"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/program"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// ErrorKind classifies why a block failed validation.
type ErrorKind uint8

const (
	ErrBadHeight ErrorKind = iota + 1
	ErrBadPrevHash
	ErrBadWeight
	ErrBadSignagePoint
	ErrBadProofOfSpace
	ErrBadVDF
	ErrBadTimestamp
	ErrBadFoliageSignature
	ErrBadTransactions
	ErrCostTooHigh
	ErrBadAggregateSignature
	ErrStructural
)

// ValidationError carries a classified failure plus a human-readable
// detail string, so callers can branch on Kind without parsing strings
// yet still log something actionable.
type ValidationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// DerivedState is the chain state the block would produce if committed:
// the new peak's height/weight/difficulty and the coin changes it makes.
type DerivedState struct {
	Height          uint64
	Weight          uint64
	Difficulty      uint64
	SubSlotIters    uint64
	AddedCoins      []types.CoinRecord
	RemovedCoinIDs  []types.Hash
	TotalCost       uint64
}

// Result is the sum type every validation call returns: either Ok with
// the state the block would produce, or Err with a classified failure.
// Never both, never neither.
type Result struct {
	Ok  *DerivedState
	Err *ValidationError
}

func ok(d DerivedState) Result         { return Result{Ok: &d} }
func fail(k ErrorKind, detail string) Result {
	return Result{Err: &ValidationError{Kind: k, Detail: detail}}
}

// ParentContext is everything about the chain-so-far a block is
// validated against: the parent header, the coin records it may spend,
// and the network's consensus parameters.
type ParentContext struct {
	ParentHeader      *block.Header
	ParentSubSlotIters uint64
	Difficulty        uint64
	AtRetarget        bool
	ActualIters       int64
	ExpectedIters     int64
	ExpectedChallenge types.Hash
	InfusionIters     uint64

	// CoinExists lets the validator check removals and additions without
	// depending on a concrete store implementation.
	CoinExists     func(id types.Hash) (types.CoinRecord, bool)
	AggSigMeSalt   []byte
	BlockCostLimit uint64

	// BlockReward is the amount newly minted by this block, the reward
	// side of the §4.1.7 conservation check.
	BlockReward uint64
}

// Verifiers bundles the external collaborators a single validation call
// needs: the proof-of-space and VDF verifiers, and the block program
// evaluator. All three are out-of-scope to implement here; the core only
// calls them.
type Verifiers struct {
	PoSpace consensus.PoSpaceVerifier
	VDF     consensus.VDFVerifier
	Program program.BlockEvaluator
}

// maxFutureDrift bounds how far a block's foliage timestamp may lie
// ahead of the validator's wall clock before it is rejected outright.
const maxFutureDrift = 2 * time.Minute

// verifyAggregateSignature checks that sigBytes is a single BLS12-381
// signature aggregating one signature per msg, each over
// (msg.Message || salt). salt is the network's AGG_SIG_ME_ADDITIONAL_DATA,
// appended here rather than by the evaluator so the same generator output
// is reusable across networks while still binding the final signature to
// one of them.
func verifyAggregateSignature(sigBytes []byte, msgs []program.AggSigMessage, salt []byte) error {
	pubKeys := make([][]byte, len(msgs))
	messages := make([][]byte, len(msgs))
	for i, m := range msgs {
		pubKeys[i] = m.PublicKey
		messages[i] = m.Message
	}
	return crypto.VerifyAggregateSignatureOverMessages(sigBytes, pubKeys, messages, salt)
}

// Validate runs the ordered validation pipeline against a single
// candidate block and its parent context. It never mutates ctx or blk.
func Validate(blk *block.Block, ctx ParentContext, v Verifiers, now time.Time) Result {
	// 1. Structural.
	if err := blk.Validate(); err != nil {
		return fail(ErrStructural, err.Error())
	}
	h := blk.Header

	// 2. Ancestry.
	if ctx.ParentHeader != nil {
		if h.Height != ctx.ParentHeader.Height+1 {
			return fail(ErrBadHeight, "height does not follow parent")
		}
		if h.PrevHash != ctx.ParentHeader.Hash() {
			return fail(ErrBadPrevHash, "prev_hash does not match parent")
		}
		if h.Weight != ctx.ParentHeader.Weight+h.Difficulty {
			return fail(ErrBadWeight, "weight is not parent weight plus difficulty")
		}
	} else {
		if h.Height != 0 || !h.PrevHash.IsZero() {
			return fail(ErrBadHeight, "genesis must be height 0 with zero prev_hash")
		}
	}

	if err := consensus.VerifyDifficulty(h.Difficulty, h.Height, ctx.Difficulty, ctx.AtRetarget, ctx.ActualIters, ctx.ExpectedIters); err != nil {
		return fail(ErrBadWeight, err.Error())
	}

	// 3. Signage point & sub-slot consistency.
	if !ctx.ExpectedChallenge.IsZero() && h.SignagePoint.ChallengeChainVDF.Challenge != ctx.ExpectedChallenge {
		return fail(ErrBadSignagePoint, "signage point challenge does not match expected value")
	}
	subSlotIters := ctx.ParentSubSlotIters
	for _, slot := range h.SubSlots {
		if slot.NewSubSlotIters != nil {
			subSlotIters = *slot.NewSubSlotIters
		}
		if v.VDF != nil {
			if err := consensus.VerifySubSlot(v.VDF, slot); err != nil {
				return fail(ErrBadVDF, err.Error())
			}
		}
	}

	// 4. Proof of space.
	if v.PoSpace != nil {
		required, err := consensus.VerifyProofOfSpace(v.PoSpace, h.ProofOfSpace, h.SignagePoint.ChallengeChainVDF.Challenge, h.SignagePoint, h.Difficulty, subSlotIters, ctx.InfusionIters)
		if err != nil {
			return fail(ErrBadProofOfSpace, err.Error())
		}
		if h.RequiredIters != required {
			return fail(ErrBadProofOfSpace, "header required_iters does not match derived value")
		}
	}

	// 5. VDF proofs (challenge chain and reward chain infusion VDFs).
	if v.VDF != nil {
		if err := consensus.VerifyVDF(v.VDF, h.ChallengeChainVDF); err != nil {
			return fail(ErrBadVDF, err.Error())
		}
		if err := consensus.VerifyVDF(v.VDF, h.RewardChainVDF); err != nil {
			return fail(ErrBadVDF, err.Error())
		}
	}

	// 6. Foliage: timestamp monotonicity and future-drift bound, then
	// farmer and pool signatures.
	if h.Foliage.Timestamp > uint64(now.Add(maxFutureDrift).Unix()) {
		return fail(ErrBadTimestamp, "block timestamp too far in the future")
	}
	if ctx.ParentHeader != nil && h.Foliage.Timestamp < ctx.ParentHeader.Foliage.Timestamp {
		return fail(ErrBadTimestamp, "block timestamp before parent")
	}
	foliageHash := h.Foliage.Hash()
	if !crypto.VerifySignature(foliageHash[:], h.Foliage.FarmerSignature, h.ProofOfSpace.PlotPublicKey) {
		return fail(ErrBadFoliageSignature, "farmer signature does not verify against plot public key")
	}
	if !h.ProofOfSpace.UsesPoolContract() {
		if !crypto.VerifySignature(foliageHash[:], h.Foliage.PoolSignature, h.ProofOfSpace.PoolPublicKey) {
			return fail(ErrBadFoliageSignature, "pool signature does not verify against pool public key")
		}
	}

	// 7. Transactions (only when present).
	var added []types.CoinRecord
	var removed []types.Hash
	var totalCost uint64
	if blk.HasTransactions() {
		if v.Program == nil {
			return fail(ErrBadTransactions, "block carries a generator but no program evaluator is configured")
		}
		res, err := v.Program.RunBlockProgram(blk.Generator, blk.GeneratorRefList, ctx.BlockCostLimit)
		if err != nil {
			if err == program.ErrCostExceeded {
				return fail(ErrCostTooHigh, "generator cost exceeds block cost limit")
			}
			return fail(ErrBadTransactions, err.Error())
		}
		if res.Cost > ctx.BlockCostLimit {
			return fail(ErrCostTooHigh, "generator cost exceeds block cost limit")
		}
		var removedAmount uint64
		for _, id := range res.Removals {
			if ctx.CoinExists == nil {
				continue
			}
			rec, exists := ctx.CoinExists(id)
			if !exists || rec.IsSpent() {
				return fail(ErrBadTransactions, "removed coin does not exist or is already spent")
			}
			removedAmount += rec.Coin.Amount
			removed = append(removed, id)
		}
		var addedAmount uint64
		for _, c := range res.Additions {
			id := c.ID()
			if ctx.CoinExists != nil {
				if rec, exists := ctx.CoinExists(id); exists && !rec.IsSpent() {
					return fail(ErrBadTransactions, "addition collides with an existing unspent coin id")
				}
			}
			addedAmount += c.Amount
			added = append(added, types.CoinRecord{
				Coin:            c,
				ConfirmedHeight: uint32(h.Height),
				Timestamp:       h.Foliage.Timestamp,
			})
		}
		if removedAmount+ctx.BlockReward != addedAmount+res.DeclaredFees {
			return fail(ErrBadTransactions, "sum(removed amounts) + block reward does not equal sum(added amounts) + declared fees")
		}
		totalCost = res.Cost

		if err := verifyAggregateSignature(blk.AggregatedSignature, res.AggSigMessages, ctx.AggSigMeSalt); err != nil {
			return fail(ErrBadAggregateSignature, err.Error())
		}
	}

	return ok(DerivedState{
		Height:         h.Height,
		Weight:         h.Weight,
		Difficulty:     h.Difficulty,
		SubSlotIters:   subSlotIters,
		AddedCoins:     added,
		RemovedCoinIDs: removed,
		TotalCost:      totalCost,
	})
}
