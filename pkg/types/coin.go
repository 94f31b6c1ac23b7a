package types

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Coin is the atomic unit of value on the chain. A coin is created by
// referencing its parent and is spent exactly once; creating it and
// spending it are the only two events in its lifetime. Its identity is
// the digest of its three fields, so two coins with the same parent,
// puzzle hash, and amount are the same coin.
type Coin struct {
	ParentCoinID Hash   `json:"parent_coin_info"`
	PuzzleHash   Hash   `json:"puzzle_hash"`
	Amount       uint64 `json:"amount"`
}

// ID returns the coin's identity: blake3(parent_coin_id || puzzle_hash || amount_be64).
func (c Coin) ID() Hash {
	buf := make([]byte, HashSize+HashSize+8)
	copy(buf[0:HashSize], c.ParentCoinID[:])
	copy(buf[HashSize:2*HashSize], c.PuzzleHash[:])
	binary.BigEndian.PutUint64(buf[2*HashSize:], c.Amount)
	return Hash(blake3.Sum256(buf))
}

// CoinRecord is the chain's view of a coin: the coin itself plus the
// height it was confirmed at and, once spent, the height it was spent at.
// A coin is unspent if and only if SpentHeight is zero.
type CoinRecord struct {
	Coin            Coin   `json:"coin"`
	ConfirmedHeight uint32 `json:"confirmed_height"`
	SpentHeight     uint32 `json:"spent_height"`
	Coinbase        bool   `json:"coinbase"`
	Timestamp       uint64 `json:"timestamp"`
}

// IsSpent reports whether the coin has been spent on the main chain.
func (r CoinRecord) IsSpent() bool {
	return r.SpentHeight != 0
}

// CoinSpend pairs a coin with the puzzle reveal and solution that spend
// it. Evaluating Puzzle against Solution deterministically yields the
// set of coins it creates (and the aggregated signature conditions it
// asserts); see pkg/program for the evaluator contract.
type CoinSpend struct {
	Coin         Coin   `json:"coin"`
	PuzzleReveal []byte `json:"puzzle_reveal"`
	Solution     []byte `json:"solution"`
}

// SpendBundle is a list of coin spends plus the BLS signature aggregated
// from every signature condition raised while evaluating them. A spend
// bundle is atomic: either every coin spend in it is applied, or none is.
type SpendBundle struct {
	CoinSpends          []CoinSpend `json:"coin_spends"`
	AggregatedSignature []byte      `json:"aggregated_signature"`
}

// Name returns the spend bundle's identity: blake3 over the canonical
// concatenation of each coin spend's coin id, puzzle reveal, and
// solution, followed by the aggregated signature.
func (sb SpendBundle) Name() Hash {
	h := blake3.New()
	for _, cs := range sb.CoinSpends {
		id := cs.Coin.ID()
		h.Write(id[:])
		h.Write(cs.PuzzleReveal)
		h.Write(cs.Solution)
	}
	h.Write(sb.AggregatedSignature)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
