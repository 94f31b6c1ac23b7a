// Package block defines block types, merkle commitments, and structural
// validation.
package block

import "github.com/klingnet-network/klingnet/pkg/types"

// Block is a header plus an optional transactions-generator program and
// the list of coin ids the generator is claimed to reference. A block
// with no generator is a pure sub-slot/signage-point marker: it advances
// the chain's height and weight but changes no coin state.
type Block struct {
	Header           *Header      `json:"header"`
	Generator        []byte       `json:"generator,omitempty"`
	GeneratorRefList []types.Hash `json:"generator_ref_list,omitempty"`

	// AggregatedSignature is the BLS12-381 signature aggregating every
	// ConditionAggSigMe obligation the generator's coin spends raised.
	// It sits beside the generator rather than inside Header, the same
	// way Foliage keeps PoolSignature/FarmerSignature out of the bytes
	// it signs: the signature is produced after the block's content is
	// fixed, so it cannot be part of that content's own commitment.
	AggregatedSignature []byte `json:"aggregated_signature,omitempty"`
}

// NewBlock creates a new block with the given header, generator, and
// coin-id reference list.
func NewBlock(header *Header, generator []byte, refs []types.Hash) *Block {
	return &Block{Header: header, Generator: generator, GeneratorRefList: refs}
}

// Hash returns the block's header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// HasTransactions reports whether the block carries a generator program.
func (b *Block) HasTransactions() bool {
	return len(b.Generator) > 0
}
