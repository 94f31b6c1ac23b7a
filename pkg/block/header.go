package block

import (
	"github.com/klingnet-network/klingnet/pkg/codec"
	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// VDFInfo is the output of a verifiable delay function computed over a
// challenge for a given number of iterations. The core never computes
// these; it only verifies them via an external timelord-supplied proof,
// so Output is an opaque group-element encoding, not a parsed value.
type VDFInfo struct {
	Challenge          types.Hash `json:"challenge"`
	NumberOfIterations uint64     `json:"number_of_iterations"`
	Output             []byte     `json:"output"`
}

func (v VDFInfo) encode(w *codec.Writer) {
	w.PutFixedBytes(v.Challenge[:])
	w.PutUint64(v.NumberOfIterations)
	w.PutBytes(v.Output)
}

// ProofOfSpace is a farmer's lottery ticket: a proof that it reserved
// storage matching plotPublicKey against challengeHash. The core never
// generates these; it verifies them via an external prover.
type ProofOfSpace struct {
	ChallengeHash          types.Hash `json:"challenge_hash"`
	PoolPublicKey          []byte     `json:"pool_public_key,omitempty"`
	PoolContractPuzzleHash types.Hash `json:"pool_contract_puzzle_hash"`
	PlotPublicKey          []byte     `json:"plot_public_key"`
	Size                   uint8      `json:"size"`
	Proof                  []byte     `json:"proof"`
}

func (p ProofOfSpace) encode(w *codec.Writer) {
	w.PutFixedBytes(p.ChallengeHash[:])
	w.PutBytes(p.PoolPublicKey)
	w.PutFixedBytes(p.PoolContractPuzzleHash[:])
	w.PutBytes(p.PlotPublicKey)
	w.PutUint8(p.Size)
	w.PutBytes(p.Proof)
}

// UsesPoolContract reports whether the plot pays a pool contract puzzle
// hash rather than signing over to a pool public key directly.
func (p ProofOfSpace) UsesPoolContract() bool {
	return !p.PoolContractPuzzleHash.IsZero()
}

// SignagePoint identifies one of a fixed sequence of challenge
// checkpoints within a sub-slot that gates proof-of-space submissions.
type SignagePoint struct {
	Index              uint8   `json:"signage_point_index"`
	ChallengeChainVDF  VDFInfo `json:"challenge_chain_vdf"`
	RewardChainVDF     VDFInfo `json:"reward_chain_vdf"`
}

func (s SignagePoint) encode(w *codec.Writer) {
	w.PutUint8(s.Index)
	s.ChallengeChainVDF.encode(w)
	s.RewardChainVDF.encode(w)
}

// SubSlotInfo describes a sub-slot the chain advanced through between
// this block and its parent. The chain's head advances in sub-slots
// even when no block is produced, so a header may carry zero, one, or
// several of these.
type SubSlotInfo struct {
	ChallengeChainEndOfSlotVDF         VDFInfo  `json:"challenge_chain_end_of_slot_vdf"`
	InfusedChallengeChainEndOfSlotVDF *VDFInfo `json:"infused_challenge_chain_end_of_slot_vdf,omitempty"`
	SubSlotIters                       uint64   `json:"sub_slot_iters"`
	// NewDifficulty and NewSubSlotIters are set only on the sub-slot that
	// closes a sub-epoch, carrying the retargeted values for the epoch
	// that follows.
	NewDifficulty    *uint64 `json:"new_difficulty,omitempty"`
	NewSubSlotIters  *uint64 `json:"new_sub_slot_iters,omitempty"`
}

func (s SubSlotInfo) encode(w *codec.Writer) {
	s.ChallengeChainEndOfSlotVDF.encode(w)
	w.PutOptional(s.InfusedChallengeChainEndOfSlotVDF != nil, func(w *codec.Writer) {
		s.InfusedChallengeChainEndOfSlotVDF.encode(w)
	})
	w.PutUint64(s.SubSlotIters)
	w.PutOptional(s.NewDifficulty != nil, func(w *codec.Writer) { w.PutUint64(*s.NewDifficulty) })
	w.PutOptional(s.NewSubSlotIters != nil, func(w *codec.Writer) { w.PutUint64(*s.NewSubSlotIters) })
}

// Foliage is the part of the header a farmer signs: the timestamp, the
// link to the previous block, and the pool/farmer signatures over that
// commitment. It is the only part of the header whose hash chains the
// block to its immediate parent from the reader's point of view.
type Foliage struct {
	PrevBlockHash               types.Hash `json:"prev_block_hash"`
	FoliageTransactionBlockHash types.Hash `json:"foliage_transaction_block_hash"`
	Timestamp                   uint64     `json:"timestamp"`
	PoolSignature                []byte     `json:"pool_signature,omitempty"`
	FarmerSignature               []byte     `json:"farmer_signature"`
}

func (f Foliage) signingBytes() []byte {
	w := codec.NewWriter()
	w.PutFixedBytes(f.PrevBlockHash[:])
	w.PutFixedBytes(f.FoliageTransactionBlockHash[:])
	w.PutUint64(f.Timestamp)
	return w.Bytes()
}

// Hash returns the content hash of the foliage, excluding the
// signatures over it, so it is stable to compute before signing.
func (f Foliage) Hash() types.Hash {
	return crypto.Hash(f.signingBytes())
}

// Header is a block's consensus-relevant metadata: the proof of space
// and time that earned its slot, the link to its parent, and its
// position in the weight-ordered chain. The header alone is sufficient
// for fork choice; only the full Block carries the coin-state changes.
type Header struct {
	Version      uint32         `json:"version"`
	Height       uint64         `json:"height"`
	Weight       uint64         `json:"weight"`
	Difficulty   uint64         `json:"difficulty"`
	PrevHash     types.Hash     `json:"prev_hash"`
	ProofOfSpace ProofOfSpace   `json:"proof_of_space"`
	SignagePoint SignagePoint   `json:"signage_point"`
	// RequiredIters is derived from the proof of space's quality string;
	// the infusion point must be at least this many iterations past the
	// signage point.
	RequiredIters       uint64        `json:"required_iters"`
	ChallengeChainVDF    VDFInfo       `json:"challenge_chain_vdf"`
	RewardChainVDF       VDFInfo       `json:"reward_chain_vdf"`
	SubSlots             []SubSlotInfo `json:"sub_slots,omitempty"`
	Foliage              Foliage       `json:"foliage"`
	TransactionsRoot     types.Hash    `json:"transactions_root"`
}

// CurrentVersion is the header version produced by this software.
const CurrentVersion uint32 = 1

// MaxVersion is the highest header version this software accepts.
const MaxVersion uint32 = 1

// signingBytes returns the canonical encoding of every consensus-relevant
// field; its hash is the block's identity. The foliage enters only
// through Foliage.Hash, so the farmer and pool signatures are not part
// of it.
func (h *Header) signingBytes() []byte {
	w := codec.NewWriter()
	w.PutUint32(h.Version)
	w.PutUint64(h.Height)
	w.PutUint64(h.Weight)
	w.PutUint64(h.Difficulty)
	w.PutFixedBytes(h.PrevHash[:])
	h.ProofOfSpace.encode(w)
	h.SignagePoint.encode(w)
	w.PutUint64(h.RequiredIters)
	h.ChallengeChainVDF.encode(w)
	h.RewardChainVDF.encode(w)
	w.PutSequence(len(h.SubSlots), func(w *codec.Writer, i int) { h.SubSlots[i].encode(w) })
	foliageHash := h.Foliage.Hash()
	w.PutFixedBytes(foliageHash[:])
	w.PutFixedBytes(h.TransactionsRoot[:])
	return w.Bytes()
}

// Hash computes the header hash, which is the block's identity and what
// PrevHash refers to.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.signingBytes())
}
