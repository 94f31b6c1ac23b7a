package mempool

import "sort"

// Evict removes the lowest fee_per_cost bundles until total admitted
// cost is at or below the pool's capacity. Add() already evicts inline
// when a new bundle would overflow capacity; this exists for callers
// that shrink capacity at runtime (e.g. reacting to memory pressure)
// and need the pool to catch up immediately.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.totalCost <= p.capacity {
		return 0
	}

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

	evicted := 0
	for i := 0; p.totalCost > p.capacity && i < len(entries); i++ {
		p.removeLocked(entries[i].name)
		evicted++
	}
	return evicted
}
