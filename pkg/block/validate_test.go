package block

import (
	"errors"
	"testing"

	"github.com/klingnet-network/klingnet/pkg/types"
)

func testProofOfSpace() ProofOfSpace {
	return ProofOfSpace{
		ChallengeHash: types.Hash{0x01},
		PlotPublicKey: make([]byte, 48),
		Size:          32,
		Proof:         make([]byte, 256),
	}
}

// validBlock creates a minimal structurally-valid block with no
// generator and a matching (zero) transactions root.
func validBlock() *Block {
	header := &Header{
		Version:      CurrentVersion,
		Height:       1,
		Weight:       100,
		Difficulty:   100,
		PrevHash:     types.Hash{0xaa},
		ProofOfSpace: testProofOfSpace(),
		Foliage: Foliage{
			PrevBlockHash: types.Hash{0xaa},
			Timestamp:     1700000000,
		},
	}
	return NewBlock(header, nil, nil)
}

// validBlockWithGenerator creates a structurally-valid block carrying a
// generator program and a reference list with a correctly computed root.
func validBlockWithGenerator() *Block {
	blk := validBlock()
	refs := []types.Hash{{0x01}, {0x02}, {0x03}}
	blk.Generator = []byte{0x01, 0x02, 0x03}
	blk.GeneratorRefList = refs
	blk.Header.TransactionsRoot = ComputeMerkleRoot(refs)
	return blk
}

func TestBlockValidateValid(t *testing.T) {
	if err := validBlock().Validate(); err != nil {
		t.Errorf("valid block should pass: %v", err)
	}
	if err := validBlockWithGenerator().Validate(); err != nil {
		t.Errorf("valid block with generator should pass: %v", err)
	}
}

func TestBlockValidateNilHeader(t *testing.T) {
	blk := &Block{Header: nil}
	err := blk.Validate()
	if !errors.Is(err, ErrNilHeader) {
		t.Errorf("expected ErrNilHeader, got: %v", err)
	}
}

func TestBlockValidateBadVersion(t *testing.T) {
	blk := validBlock()
	blk.Header.Version = 0
	if err := blk.Validate(); !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion, got: %v", err)
	}

	blk2 := validBlock()
	blk2.Header.Version = MaxVersion + 1
	if err := blk2.Validate(); !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion, got: %v", err)
	}
}

func TestBlockValidateZeroTimestamp(t *testing.T) {
	blk := validBlock()
	blk.Header.Foliage.Timestamp = 0
	if err := blk.Validate(); !errors.Is(err, ErrZeroTimestamp) {
		t.Errorf("expected ErrZeroTimestamp, got: %v", err)
	}
}

func TestBlockValidateNilProofOfSpace(t *testing.T) {
	blk := validBlock()
	blk.Header.ProofOfSpace.Proof = nil
	if err := blk.Validate(); !errors.Is(err, ErrNilProofOfSpace) {
		t.Errorf("expected ErrNilProofOfSpace, got: %v", err)
	}
}

func TestBlockValidateGeneratorWithoutRoot(t *testing.T) {
	blk := validBlock()
	blk.Generator = []byte{0x01}
	if err := blk.Validate(); !errors.Is(err, ErrGeneratorWithoutRoot) {
		t.Errorf("expected ErrGeneratorWithoutRoot, got: %v", err)
	}
}

func TestBlockValidateBadTransactionsRoot(t *testing.T) {
	blk := validBlockWithGenerator()
	blk.Header.TransactionsRoot = types.Hash{0xff}
	if err := blk.Validate(); !errors.Is(err, ErrBadTransactionsRoot) {
		t.Errorf("expected ErrBadTransactionsRoot, got: %v", err)
	}
}

func TestBlockValidateDuplicateRef(t *testing.T) {
	blk := validBlockWithGenerator()
	blk.GeneratorRefList = []types.Hash{{0x01}, {0x01}}
	blk.Header.TransactionsRoot = ComputeMerkleRoot(blk.GeneratorRefList)
	if err := blk.Validate(); !errors.Is(err, ErrDuplicateRef) {
		t.Errorf("expected ErrDuplicateRef, got: %v", err)
	}
}

func TestBlockValidateGeneratorTooLarge(t *testing.T) {
	blk := validBlockWithGenerator()
	blk.Generator = make([]byte, MaxGeneratorSize+1)
	if err := blk.Validate(); !errors.Is(err, ErrGeneratorTooLarge) {
		t.Errorf("expected ErrGeneratorTooLarge, got: %v", err)
	}
}

func TestBlockHashStableAcrossCopies(t *testing.T) {
	a := validBlockWithGenerator()
	b := validBlockWithGenerator()
	if a.Hash() != b.Hash() {
		t.Errorf("two independently constructed equal blocks should hash the same")
	}
}

func TestBlockHashChangesWithHeight(t *testing.T) {
	a := validBlockWithGenerator()
	b := validBlockWithGenerator()
	b.Header.Height = a.Header.Height + 1
	if a.Hash() == b.Hash() {
		t.Errorf("blocks at different heights should not collide")
	}
}
