package block

import (
	"errors"
	"fmt"

	"github.com/klingnet-network/klingnet/pkg/types"
)

// Structural validation errors. These check shape and internal
// consistency only; consensus rules (ancestry, weight, proof
// verification) live in internal/validator.
var (
	ErrNilHeader            = errors.New("block has nil header")
	ErrNilProofOfSpace       = errors.New("block header has empty proof of space")
	ErrBadVersion            = errors.New("unsupported block version")
	ErrZeroTimestamp         = errors.New("block timestamp is zero")
	ErrBadTransactionsRoot   = errors.New("transactions root mismatch")
	ErrGeneratorWithoutRoot  = errors.New("block has a generator but a zero transactions root")
	ErrTooManyRefs           = errors.New("too many coin ids in generator reference list")
	ErrGeneratorTooLarge     = errors.New("generator program too large")
	ErrDuplicateRef          = errors.New("duplicate coin id in generator reference list")
)

// Size limits for a single block's generator and reference list. These
// bound worst-case validation cost per block independent of consensus
// cost accounting, which happens when the generator is actually run.
const (
	MaxGeneratorRefs = 100_000
	MaxGeneratorSize = 16 << 20
)

// Validate checks block structure and internal consistency. This does
// NOT verify proofs of space/time or chain ancestry — see
// internal/validator for the full consensus validation pipeline.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	h := b.Header

	if h.Version < 1 || h.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, h.Version, MaxVersion)
	}

	if h.Foliage.Timestamp == 0 {
		return ErrZeroTimestamp
	}

	if len(h.ProofOfSpace.Proof) == 0 || len(h.ProofOfSpace.PlotPublicKey) == 0 {
		return ErrNilProofOfSpace
	}

	if len(b.Generator) > MaxGeneratorSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrGeneratorTooLarge, len(b.Generator), MaxGeneratorSize)
	}

	if len(b.GeneratorRefList) > MaxGeneratorRefs {
		return fmt.Errorf("%w: %d refs, max %d", ErrTooManyRefs, len(b.GeneratorRefList), MaxGeneratorRefs)
	}

	if len(b.Generator) > 0 && h.TransactionsRoot.IsZero() {
		return ErrGeneratorWithoutRoot
	}

	seen := make(map[types.Hash]bool, len(b.GeneratorRefList))
	for i, id := range b.GeneratorRefList {
		if seen[id] {
			return fmt.Errorf("%w: coin id at index %d", ErrDuplicateRef, i)
		}
		seen[id] = true
	}

	expectedRoot := ComputeMerkleRoot(b.GeneratorRefList)
	if h.TransactionsRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadTransactionsRoot, h.TransactionsRoot, expectedRoot)
	}

	return nil
}
