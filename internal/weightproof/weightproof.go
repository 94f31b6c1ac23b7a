// Package weightproof builds and verifies sub-epoch weight proofs: a
// succinct certificate that a claimed peak's weight is consistent with
// the chain of sub-epoch summaries leading up to it, letting a syncing
// node pick the heaviest of several candidate peaks from untrusted
// peers before committing to a long batch sync against one of them.
package weightproof

import (
	"encoding/json"
	"fmt"

	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/codec"
	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// SubEpochSummary anchors one sub-epoch boundary: the difficulty and
// sub-slot iteration parameters that took effect there, chained to the
// previous summary so a verifier can walk the whole history without
// re-validating every block in between.
type SubEpochSummary struct {
	Index           uint64     `json:"index"`
	Height          uint64     `json:"height"`
	PrevSummaryHash types.Hash `json:"prev_summary_hash"`
	RewardChainHash types.Hash `json:"reward_chain_hash"`
	Difficulty      uint64     `json:"difficulty"`
	SubSlotIters    uint64     `json:"sub_slot_iters"`
	TotalWeight     uint64     `json:"total_weight"`
}

// Hash returns the summary's content hash, which the next summary's
// PrevSummaryHash must reference.
func (s SubEpochSummary) Hash() types.Hash {
	w := codec.NewWriter()
	w.PutUint64(s.Index)
	w.PutUint64(s.Height)
	w.PutFixedBytes(s.PrevSummaryHash[:])
	w.PutFixedBytes(s.RewardChainHash[:])
	w.PutUint64(s.Difficulty)
	w.PutUint64(s.SubSlotIters)
	w.PutUint64(s.TotalWeight)
	return crypto.Hash(w.Bytes())
}

// Encode/Decode let internal/chain's opaque byte-keyed sub-epoch
// summary store round-trip a SubEpochSummary without chain importing
// this package.
func Encode(s SubEpochSummary) ([]byte, error) { return json.Marshal(s) }

func Decode(data []byte) (SubEpochSummary, error) {
	var s SubEpochSummary
	err := json.Unmarshal(data, &s)
	return s, err
}

// NewSummaryFromHeader derives the sub-epoch summary that closes at
// header, given the previous summary's hash. Height/weight/difficulty
// are read straight off the header; the chain only calls this at a
// height it has already determined to be a sub-epoch boundary.
func NewSummaryFromHeader(index uint64, prevSummaryHash types.Hash, h *block.Header) SubEpochSummary {
	return SubEpochSummary{
		Index:           index,
		Height:          h.Height,
		PrevSummaryHash: prevSummaryHash,
		RewardChainHash: h.Hash(),
		Difficulty:      h.Difficulty,
		SubSlotIters:    h.SubSlotIters,
		TotalWeight:     h.Weight,
	}
}

// Proof is a weight proof: the chain of sub-epoch summaries from
// genesis to the latest sub-epoch boundary, plus the stretch of
// headers from that boundary to the claimed tip. SubEpochSummaries
// lets a verifier trust the weight up to the last boundary in O(number
// of sub-epochs) work; RecentHeaders extends that trust the rest of
// the way by direct hash-chain linking, which is cheap because recent
// history is always short relative to total chain length.
type Proof struct {
	SubEpochSummaries []SubEpochSummary `json:"sub_epoch_summaries"`
	RecentHeaders     []*block.Header   `json:"recent_headers"`
}

// TipWeight returns the weight claimed by the proof's tip header, or
// zero if the proof carries no headers.
func (p Proof) TipWeight() uint64 {
	if len(p.RecentHeaders) == 0 {
		return 0
	}
	return p.RecentHeaders[len(p.RecentHeaders)-1].Weight
}

// TipHash returns the hash of the proof's tip header.
func (p Proof) TipHash() types.Hash {
	if len(p.RecentHeaders) == 0 {
		return types.Hash{}
	}
	return p.RecentHeaders[len(p.RecentHeaders)-1].Hash()
}

// HeaderSource supplies what Build needs: the header at a given height
// and the stored sub-epoch summary at a given index (ok is false past
// the last one).
type HeaderSource interface {
	HeaderAtHeight(height uint64) (*block.Header, error)
	SubEpochSummaryAt(index uint64) (SubEpochSummary, bool, error)
}

// Build assembles a weight proof for the chain as known to src, up to
// and including tipHeight. recentWindow controls how many trailing
// headers are included as RecentHeaders; the spec's epoch_length is a
// reasonable default since it bounds the gap between sub-epoch
// boundaries.
func Build(src HeaderSource, tipHeight uint64, summaryCount uint64, recentWindow uint64) (Proof, error) {
	summaries := make([]SubEpochSummary, 0, summaryCount)
	for i := uint64(0); i < summaryCount; i++ {
		s, ok, err := src.SubEpochSummaryAt(i)
		if err != nil {
			return Proof{}, fmt.Errorf("load sub-epoch summary %d: %w", i, err)
		}
		if !ok {
			break
		}
		summaries = append(summaries, s)
	}

	var fromHeight uint64
	if len(summaries) > 0 {
		fromHeight = summaries[len(summaries)-1].Height + 1
	}
	if recentWindow > 0 && tipHeight-fromHeight+1 > recentWindow {
		fromHeight = tipHeight - recentWindow + 1
	}

	headers := make([]*block.Header, 0, tipHeight-fromHeight+1)
	for h := fromHeight; h <= tipHeight; h++ {
		hdr, err := src.HeaderAtHeight(h)
		if err != nil {
			return Proof{}, fmt.Errorf("load header at height %d: %w", h, err)
		}
		headers = append(headers, hdr)
	}

	return Proof{SubEpochSummaries: summaries, RecentHeaders: headers}, nil
}

// Verify checks internal consistency of a weight proof and returns the
// weight it certifies. It does not re-run proof-of-space or VDF
// verification on every header (that is the block validator's job on
// the full block once fetched); it checks the structural invariants
// that make the proof a valid substitute for that work during sync:
// the summary chain links by hash, weight is strictly increasing
// throughout, and the recent-header stretch chains by PrevHash from
// the last summary's anchor to the claimed tip.
func Verify(p Proof, genesisHash types.Hash) (weight uint64, err error) {
	var prevHash types.Hash
	var prevWeight uint64
	for i, s := range p.SubEpochSummaries {
		if i == 0 {
			if s.PrevSummaryHash != (types.Hash{}) {
				return 0, fmt.Errorf("first sub-epoch summary must have zero prev hash, got %s", s.PrevSummaryHash)
			}
		} else if s.PrevSummaryHash != prevHash {
			return 0, fmt.Errorf("sub-epoch summary %d: prev hash mismatch", i)
		}
		if s.TotalWeight <= prevWeight && i > 0 {
			return 0, fmt.Errorf("sub-epoch summary %d: weight did not increase (%d <= %d)", i, s.TotalWeight, prevWeight)
		}
		prevHash = s.Hash()
		prevWeight = s.TotalWeight
	}

	if len(p.RecentHeaders) == 0 {
		if len(p.SubEpochSummaries) == 0 {
			return 0, fmt.Errorf("empty weight proof")
		}
		return prevWeight, nil
	}

	var anchorHash types.Hash
	if len(p.SubEpochSummaries) > 0 {
		anchorHash = p.SubEpochSummaries[len(p.SubEpochSummaries)-1].RewardChainHash
	} else {
		anchorHash = genesisHash
	}

	first := p.RecentHeaders[0]
	if first.Height > 0 && first.PrevHash != anchorHash {
		return 0, fmt.Errorf("recent headers do not chain from the last sub-epoch anchor")
	}

	runningWeight := prevWeight
	prevHdrHash := first.PrevHash
	for i, hdr := range p.RecentHeaders {
		if i > 0 && hdr.PrevHash != prevHdrHash {
			return 0, fmt.Errorf("recent header %d: prev hash mismatch", i)
		}
		if hdr.Weight <= runningWeight && hdr.Height > 0 {
			return 0, fmt.Errorf("recent header %d: weight did not increase (%d <= %d)", i, hdr.Weight, runningWeight)
		}
		runningWeight = hdr.Weight
		prevHdrHash = hdr.Hash()
	}

	return runningWeight, nil
}

// Heaviest picks the verified proof with the greatest certified weight
// among several candidates gathered from different peers, matching the
// spec's "accept the proof with the greatest weight that verifies"
// long-sync rule. It returns ok=false if none verify.
func Heaviest(genesisHash types.Hash, candidates []Proof) (best Proof, weight uint64, ok bool) {
	for _, cand := range candidates {
		w, err := Verify(cand, genesisHash)
		if err != nil {
			continue
		}
		if !ok || w > weight {
			best, weight, ok = cand, w, true
		}
	}
	return best, weight, ok
}
