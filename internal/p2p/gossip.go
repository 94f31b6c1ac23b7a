package p2p

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/crypto"
	"github.com/klingnet-network/klingnet/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// dedupCacheSize is the per-peer bound on remembered message digests.
const dedupCacheSize = 4096

// NewTransactionMsg announces a spend bundle's name to peers; the full
// bundle is fetched on demand rather than pushed, matching how mempool
// inventory is advertised.
type NewTransactionMsg struct {
	BundleName types.Hash `json:"bundle_name"`
}

// NewPeakMsg announces a new chain tip.
type NewPeakMsg struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
	Weight string     `json:"weight"`
}

// NewSignagePointMsg announces a signage point within the current sub-slot.
type NewSignagePointMsg struct {
	ChallengeHash types.Hash `json:"challenge_hash"`
	Index         uint8      `json:"index"`
}

// NewUnfinishedBlockMsg announces a candidate block awaiting its VDF proof.
type NewUnfinishedBlockMsg struct {
	RewardBlockHash types.Hash  `json:"reward_block_hash"`
	FoliageHash     types.Hash  `json:"foliage_hash"`
	Block           block.Block `json:"block"`
}

// peerDedup is a bounded record of the message digests seen from or
// sent to one peer. Only shouldForward reads it, and nothing calls
// shouldForward: publishing sends every message to the whole topic.
type peerDedup struct {
	seen *lru.Cache[types.Hash, struct{}]
}

func newPeerDedup() *peerDedup {
	c, _ := lru.New[types.Hash, struct{}](dedupCacheSize)
	return &peerDedup{seen: c}
}

func (d *peerDedup) markSeen(digest types.Hash) bool {
	if _, ok := d.seen.Get(digest); ok {
		return false
	}
	d.seen.Add(digest, struct{}{})
	return true
}

func digestOf(v any) types.Hash {
	data, err := json.Marshal(v)
	if err != nil {
		return types.Hash{}
	}
	return crypto.Hash(data)
}

// BroadcastNewTransaction announces a spend bundle's name on the
// transaction gossip topic. It publishes to the whole topic; no peer is
// skipped on the basis of what it has already seen.
func (n *Node) BroadcastNewTransaction(bundleName types.Hash) error {
	return n.publishGossip(TopicNewTransaction, NewTransactionMsg{BundleName: bundleName}, bundleName)
}

// BroadcastNewPeak announces a new chain tip on the peak gossip topic.
func (n *Node) BroadcastNewPeak(hash types.Hash, height uint64, weight string) error {
	msg := NewPeakMsg{Hash: hash, Height: height, Weight: weight}
	return n.publishGossip(TopicNewPeak, msg, digestOf(msg))
}

// BroadcastNewSignagePoint announces a signage point on the signage-point
// gossip topic.
func (n *Node) BroadcastNewSignagePoint(challengeHash types.Hash, index uint8) error {
	msg := NewSignagePointMsg{ChallengeHash: challengeHash, Index: index}
	return n.publishGossip(TopicNewSignagePoint, msg, digestOf(msg))
}

// BroadcastNewUnfinishedBlock announces a candidate block. Up to
// n.config.MaxDuplicateUnfinished distinct foliage variants of the same
// reward hash are allowed through; additional variants are suppressed.
func (n *Node) BroadcastNewUnfinishedBlock(msg NewUnfinishedBlockMsg) error {
	n.mu.Lock()
	count := n.unfinishedVariants[msg.RewardBlockHash]
	if count >= n.config.MaxDuplicateUnfinished {
		n.mu.Unlock()
		return nil
	}
	if n.unfinishedVariants == nil {
		n.unfinishedVariants = make(map[types.Hash]int)
	}
	n.unfinishedVariants[msg.RewardBlockHash] = count + 1
	n.mu.Unlock()

	return n.publishGossip(TopicNewUnfinishedBlock, msg, msg.FoliageHash)
}

func (n *Node) publishGossip(topicName string, v any, digest types.Hash) error {
	n.mu.Lock()
	topic, ok := n.topics[topicName]
	n.mu.Unlock()
	if !ok || topic == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal gossip message: %w", err)
	}
	_ = digest
	return topic.Publish(n.ctx, data)
}

// shouldForward reports whether a message with the given digest, received
// from source, should be relayed to the rest of the mesh: it has not
// already been seen from or sent to this peer.
func (n *Node) shouldForward(source peer.ID, digest types.Hash) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.dedup[source]
	if !ok {
		d = newPeerDedup()
		if n.dedup == nil {
			n.dedup = make(map[peer.ID]*peerDedup)
		}
		n.dedup[source] = d
	}
	return d.markSeen(digest)
}
