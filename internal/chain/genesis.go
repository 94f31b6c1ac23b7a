package chain

import (
	"fmt"
	"sort"

	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// GenesisAllocation pre-farms a single coin to a puzzle hash at genesis,
// used for the pool and farmer reward reserves.
type GenesisAllocation struct {
	PuzzleHash types.Hash
	Amount     uint64
}

// GenesisConfig carries everything needed to build the genesis block.
type GenesisConfig struct {
	ChallengeHash       types.Hash
	Timestamp           uint64
	Difficulty          uint64
	InitialSubSlotIters uint64
	Alloc               []GenesisAllocation
}

// BuildGenesisBlock constructs the height-0 block and the coin records it
// creates. The genesis block carries no generator program of its own:
// its pre-farm coins are injected directly as confirmed coin records
// rather than produced by running a puzzle, since there is no parent
// coin to spend from.
func BuildGenesisBlock(gen GenesisConfig) (*block.Block, []types.CoinRecord, error) {
	if len(gen.Alloc) == 0 {
		return nil, nil, fmt.Errorf("genesis config has no allocations")
	}

	alloc := append([]GenesisAllocation(nil), gen.Alloc...)
	sort.Slice(alloc, func(i, j int) bool {
		return lessHash(alloc[i].PuzzleHash, alloc[j].PuzzleHash)
	})

	var records []types.CoinRecord
	var coinIDs []types.Hash
	for i, a := range alloc {
		coin := types.Coin{
			ParentCoinID: genesisParentID(uint32(i)),
			PuzzleHash:   a.PuzzleHash,
			Amount:       a.Amount,
		}
		records = append(records, types.CoinRecord{
			Coin:            coin,
			ConfirmedHeight: 0,
			Coinbase:        true,
			Timestamp:       gen.Timestamp,
		})
		coinIDs = append(coinIDs, coin.ID())
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		Height:     0,
		Weight:     gen.Difficulty,
		Difficulty: gen.Difficulty,
		PrevHash:   types.Hash{},
		ProofOfSpace: block.ProofOfSpace{
			ChallengeHash: gen.ChallengeHash,
			PlotPublicKey: make([]byte, 48),
			Size:          32,
			Proof:         make([]byte, 256),
		},
		SignagePoint: block.SignagePoint{
			ChallengeChainVDF: block.VDFInfo{Challenge: gen.ChallengeHash},
		},
		TransactionsRoot: block.ComputeMerkleRoot(coinIDs),
		Foliage: block.Foliage{
			Timestamp: gen.Timestamp,
		},
	}

	return block.NewBlock(header, nil, coinIDs), records, nil
}

// genesisParentID gives each pre-farm coin a distinct, deterministic
// parent id, since genesis coins have no real parent coin to point to.
func genesisParentID(index uint32) types.Hash {
	var h types.Hash
	h[types.HashSize-1] = byte(index)
	h[types.HashSize-2] = byte(index >> 8)
	return h
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
