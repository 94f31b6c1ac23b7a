// Package mempool manages pending spend bundles waiting for block
// inclusion: fee-per-cost ordering, capacity eviction, and replace-by-fee.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/program"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("spend bundle already in mempool")
	ErrConflict      = errors.New("spend bundle conflicts with an existing entry and does not pay enough to replace it")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("spend bundle failed validation")
	ErrCoinNotFound  = errors.New("spend bundle references a coin that does not exist or is already spent")
	ErrCostTooHigh   = errors.New("spend bundle cost exceeds the pool's per-bundle cost limit")
	ErrBadSignature  = errors.New("spend bundle aggregate signature does not verify")
)

// RBFFeeRateMargin is the multiplier a replacement bundle's fee rate
// must reach over every bundle it conflicts with (1.10: at least 10%).
// Matches the conventional replace-by-fee margin used to stop a
// staircase of trivial fee bumps from constantly evicting and
// re-admitting the same spend.
const RBFFeeRateMargin = 1.10

// entry wraps an admitted spend bundle with its fee and cost.
type entry struct {
	bundle        types.SpendBundle
	name          types.Hash
	fee           uint64
	cost          uint64
	feeRate       float64 // fee per cost unit.
	addedAtHeight uint64
}

// CoinLookup resolves a coin record by id, reporting false if the coin
// does not exist or is already spent on the current peak.
type CoinLookup func(id types.Hash) (types.CoinRecord, bool)

// Pool holds spend bundles that have not yet been included in a block.
// Capacity is enforced on total cost across all admitted bundles, per
// spec.md §4.3, not on a bundle count.
type Pool struct {
	mu sync.RWMutex

	entries   map[types.Hash]*entry     // bundle name -> entry
	spends    map[types.Hash]types.Hash // coin id -> bundle name
	policy    *Policy
	evaluator program.Evaluator

	capacity      uint64 // total-cost budget across all admitted bundles.
	totalCost     uint64
	perBundleCost uint64
	coinExists    CoinLookup
	peakHeight    uint64
	rbfMargin     float64
	aggSigMeSalt  []byte
}

// New creates a mempool. evaluator runs each bundle's coin spends to
// derive its cost; coinExists resolves whether a referenced coin is
// currently unspent. capacity bounds the pool's total admitted cost
// (spec.md's "several block cost limits"); perBundleCost bounds a
// single bundle's cost. aggSigMeSalt is the network's
// AGG_SIG_ME_ADDITIONAL_DATA, mixed into every AGG_SIG_ME message before
// a bundle's aggregate signature is checked at admission.
func New(evaluator program.Evaluator, coinExists CoinLookup, capacity uint64, perBundleCost uint64, aggSigMeSalt []byte) *Pool {
	if capacity == 0 {
		capacity = perBundleCost * DefaultCapacityBlocks
	}
	return &Pool{
		entries:       make(map[types.Hash]*entry),
		spends:        make(map[types.Hash]types.Hash),
		policy:        DefaultPolicy(),
		evaluator:     evaluator,
		capacity:      capacity,
		perBundleCost: perBundleCost,
		coinExists:    coinExists,
		rbfMargin:     RBFFeeRateMargin,
		aggSigMeSalt:  aggSigMeSalt,
	}
}

// SetPolicy replaces the pool's acceptance policy.
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// SetRBFMargin overrides the fee-rate multiplier a replacement bundle
// must reach over every bundle it conflicts with; values not above 1
// are ignored.
// Operator-tunable per spec.md's node-settings/protocol-rules split,
// since RBF is a mempool policy, not a consensus rule.
func (p *Pool) SetRBFMargin(margin float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if margin > 1 {
		p.rbfMargin = margin
	}
}

// Add validates and admits a spend bundle, returning its fee. A bundle
// that spends a coin already claimed by a pending bundle is rejected
// unless its fee rate beats every conflicting bundle's by at least
// RBFFeeRateMargin, in which case the conflicting bundles are evicted.
func (p *Pool) Add(bundle types.SpendBundle) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := bundle.Name()
	if _, exists := p.entries[name]; exists {
		return 0, ErrAlreadyExists
	}
	if err := p.policy.Check(bundle); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var fee, totalAmountIn, totalAmountOut, cost uint64
	var pubKeys, messages [][]byte
	for _, cs := range bundle.CoinSpends {
		id := cs.Coin.ID()
		if p.coinExists != nil {
			rec, ok := p.coinExists(id)
			if !ok || rec.IsSpent() {
				return 0, ErrCoinNotFound
			}
		}
		totalAmountIn += cs.Coin.Amount

		if p.evaluator != nil {
			res, err := p.evaluator.Run(cs.PuzzleReveal, cs.Solution, p.remainingCost(cost))
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			cost += res.Cost
			for _, cond := range res.Conditions {
				switch cond.Code {
				case program.ConditionCreateCoin:
					totalAmountOut += cond.Amount
				case program.ConditionAggSigMe:
					pubKeys = append(pubKeys, cond.PublicKey)
					messages = append(messages, cond.Message)
				}
			}
		}
	}
	if p.perBundleCost > 0 && cost > p.perBundleCost {
		return 0, ErrCostTooHigh
	}
	if totalAmountOut > totalAmountIn {
		return 0, fmt.Errorf("%w: spend bundle creates more value than it consumes", ErrValidation)
	}
	if err := crypto.VerifyAggregateSignatureOverMessages(bundle.AggregatedSignature, pubKeys, messages, p.aggSigMeSalt); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	fee = totalAmountIn - totalAmountOut

	var feeRate float64
	if cost > 0 {
		feeRate = float64(fee) / float64(cost)
	} else {
		feeRate = float64(fee)
	}

	conflicts := make(map[types.Hash]bool)
	for _, cs := range bundle.CoinSpends {
		if conflictName, exists := p.spends[cs.Coin.ID()]; exists {
			conflicts[conflictName] = true
		}
	}
	if len(conflicts) > 0 {
		for conflictName := range conflicts {
			conflictEntry := p.entries[conflictName]
			if conflictEntry == nil || feeRate < conflictEntry.feeRate*p.rbfMargin {
				return 0, fmt.Errorf("%w: conflicts with bundle %s", ErrConflict, conflictName)
			}
		}
		for conflictName := range conflicts {
			p.removeLocked(conflictName)
		}
	}

	if p.totalCost+cost > p.capacity {
		if !p.evictForLocked(cost, feeRate) {
			return 0, ErrPoolFull
		}
	}

	e := &entry{bundle: bundle, name: name, fee: fee, cost: cost, feeRate: feeRate, addedAtHeight: p.peakHeight}
	p.entries[name] = e
	p.totalCost += cost
	for _, cs := range bundle.CoinSpends {
		p.spends[cs.Coin.ID()] = name
	}
	return fee, nil
}

// evictForLocked evicts the lowest fee_per_cost items, in ascending
// fee_per_cost order with ties broken by bundle name, until either
// candidateCost fits within the remaining capacity or the candidate
// itself turns out to be below the eviction threshold (in which case no
// eviction happens and the caller must reject it). Must be called with
// p.mu held.
func (p *Pool) evictForLocked(candidateCost uint64, candidateRate float64) bool {
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate < entries[j].feeRate
		}
		return bytesCompare(entries[i].name[:], entries[j].name[:]) < 0
	})

	freed := p.capacity - p.totalCost
	var toEvict []types.Hash
	for _, e := range entries {
		if freed >= candidateCost {
			break
		}
		if e.feeRate > candidateRate {
			// Nothing left below the candidate's own rate: it cannot
			// buy enough room without evicting a higher-paying item.
			return false
		}
		toEvict = append(toEvict, e.name)
		freed += e.cost
	}
	if freed < candidateCost {
		return false
	}
	for _, n := range toEvict {
		p.removeLocked(n)
	}
	return true
}

// bytesCompare breaks a fee_per_cost tie deterministically by comparing
// raw bundle name bytes lexicographically.
func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// remainingCost returns how much of the per-bundle cost budget is left
// given what has already been spent, so the evaluator can be asked to
// stop early rather than running past a bundle that is already doomed.
func (p *Pool) remainingCost(spent uint64) uint64 {
	if p.perBundleCost == 0 {
		return math.MaxUint64
	}
	if spent >= p.perBundleCost {
		return 0
	}
	return p.perBundleCost - spent
}

// Remove removes a spend bundle from the mempool by name.
func (p *Pool) Remove(name types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(name)
}

func (p *Pool) removeLocked(name types.Hash) {
	e, exists := p.entries[name]
	if !exists {
		return
	}
	for _, cs := range e.bundle.CoinSpends {
		delete(p.spends, cs.Coin.ID())
	}
	delete(p.entries, name)
	p.totalCost -= e.cost
}

// RemoveConfirmed removes every bundle confirmed in a block, along with
// any still-pending bundle that conflicts with a coin the block spent —
// such a bundle can never be included now, since its input is gone.
func (p *Pool) RemoveConfirmed(spentCoinIDs []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range spentCoinIDs {
		if name, exists := p.spends[id]; exists {
			p.removeLocked(name)
		}
	}
}

// Has reports whether a bundle is in the mempool.
func (p *Pool) Has(name types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.entries[name]
	return exists
}

// Get retrieves a bundle from the mempool.
func (p *Pool) Get(name types.Hash) (types.SpendBundle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.entries[name]
	if !exists {
		return types.SpendBundle{}, false
	}
	return e.bundle, true
}

// Count returns the number of bundles in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Names returns the names of every bundle currently in the mempool.
func (p *Pool) Names() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]types.Hash, 0, len(p.entries))
	for n := range p.entries {
		names = append(names, n)
	}
	return names
}

// TotalCost returns the sum of every admitted bundle's cost.
func (p *Pool) TotalCost() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalCost
}

// sortedEntriesLocked returns every entry ordered by descending fee_per_cost,
// with ties broken by ascending bundle name — the deterministic
// ordering spec.md §4.3 requires for block assembly. Must be called
// with p.mu held (for reading).
func (p *Pool) sortedEntriesLocked() []*entry {
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return bytesCompare(entries[i].name[:], entries[j].name[:]) < 0
	})
	return entries
}

// Generator is what CreateBlockGenerator assembles: the coin spends
// selected for inclusion, their removed coin ids, and the names of the
// contributing bundles. It carries no aggregate signature, and
// the block program itself is left to an external generator compiler,
// which is out of this core's scope the same way the puzzle evaluator
// is.
type Generator struct {
	CoinSpends  []types.CoinSpend
	CoinIDs     []types.Hash
	BundleNames []types.Hash
}

// CreateBlockGenerator selects bundles greedily by descending
// fee_per_cost (ties broken by bundle name), skipping any bundle that
// would push the running total past maxCost and trying the next one,
// matching spec.md §4.3's create_block_generator.
// Because the pool already guarantees no two admitted bundles spend the
// same coin, selected bundles never conflict with each other.
func (p *Pool) CreateBlockGenerator(maxCost uint64) Generator {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var used uint64
	var gen Generator
	for _, e := range p.sortedEntriesLocked() {
		if used+e.cost > maxCost {
			continue
		}
		used += e.cost
		gen.CoinSpends = append(gen.CoinSpends, e.bundle.CoinSpends...)
		gen.BundleNames = append(gen.BundleNames, e.name)
		for _, cs := range e.bundle.CoinSpends {
			gen.CoinIDs = append(gen.CoinIDs, cs.Coin.ID())
		}
	}
	return gen
}

// RebuildForPeak checks every pending bundle against the new peak
// state, dropping any whose coins are now spent or missing; the rest
// stay in place. Cost, time/height conditions and signatures are not
// re-checked. This bound is the prior mempool
// size, matching spec.md's "must complete before the new peak is
// externally announced": it does one pass over the existing entries,
// never re-runs the evaluator on bundles whose inputs are already gone.
func (p *Pool) RebuildForPeak(peakHeight uint64, coinExists CoinLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.coinExists = coinExists
	p.peakHeight = peakHeight

	for name, e := range p.entries {
		stillValid := true
		for _, cs := range e.bundle.CoinSpends {
			rec, ok := coinExists(cs.Coin.ID())
			if !ok || rec.IsSpent() {
				stillValid = false
				break
			}
		}
		if !stillValid {
			p.removeLocked(name)
		}
	}
}
